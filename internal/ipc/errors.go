package ipc

import "errors"

var (
	// ErrNotImplemented is returned by factories that do not provide Create.
	ErrNotImplemented = errors.New("entry factory: Create not implemented")
	// ErrSpawn wraps any failure to start the child.
	ErrSpawn = errors.New("ipc: failed to spawn child")
	// ErrUnknownEntry means no factory is registered under the requested name.
	ErrUnknownEntry = errors.New("ipc: unknown child entry")
	// ErrChannelClosed is returned by an endpoint that can no longer carry messages.
	ErrChannelClosed = errors.New("ipc: channel closed")
	// ErrReceiveTimeout is the transient result of a receive poll that saw nothing.
	ErrReceiveTimeout = errors.New("ipc: receive timed out")
	// ErrShutdownTimeout reports a child that had to be forcibly terminated.
	ErrShutdownTimeout = errors.New("ipc: child did not stop in time")
	// ErrReservedChannel rejects user traffic on the shutdown channel.
	ErrReservedChannel = errors.New("ipc: shutdown channel is reserved")
	// ErrAlreadyRunning rejects a second Run on the same subscriber.
	ErrAlreadyRunning = errors.New("ipc: subscriber already running")
	// ErrKilled is the exit error of a local child that was abandoned by Kill.
	ErrKilled = errors.New("ipc: child killed")
)
