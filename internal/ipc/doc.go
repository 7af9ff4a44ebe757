// Package ipc lets a graph node delegate work to an isolated child process and
// exchange messages with it over a private duplex channel.
//
// The pieces:
//   - EntryFactory builds the child's main routine (EntryFunc). FuncFactory
//     passes a user function through; GraphFactory wraps a sub-graph so its
//     input and output are bridged onto the channel.
//   - Endpoint is one end of the channel: blocking, FIFO, newline-delimited
//     JSON envelopes (see internal/protocol).
//   - Dispatcher is the parent-side node. It spawns exactly one child at
//     construction, runs its connection hook on the first START event, and on
//     STOP sends the shutdown sentinel, joins the child and runs its close hook.
//   - Subscriber is the child-side loop. It forwards every data message into
//     the local graph, logs and skips messages whose handling fails, and
//     returns when it receives the sentinel.
//
// Spawners:
//   - ExecSpawner re-executes the current binary. The child finds its entry
//     through the TRIBUTARY_IPC_ENTRY environment variable and talks over its
//     stdin/stdout, so binaries that host children must call Register for each
//     entry and Init at the top of main.
//   - LocalSpawner runs the entry on a goroutine connected by an in-memory
//     pipe. Useful for tests and for embedding without process isolation.
//
// Shutdown:
//   - The sentinel is the last message a dispatcher sends; after it, the
//     parent endpoint refuses sends and discards anything the child still writes.
//   - The join is bounded by StopTimeout. On expiry the child gets SIGTERM,
//     then SIGKILL after KillGrace, and OnStop reports ErrShutdownTimeout.
//   - A StopTimeout of zero waits forever.
//
// Error handling:
//   - Spawn failure or a factory without Create → construction error, no retry
//   - Handler error or panic in the child → logged with node name, loop continues
//   - Receive poll timeout → ignored, loop retries
//   - Child ignoring the sentinel → forced termination, ErrShutdownTimeout
package ipc
