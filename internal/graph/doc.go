// Package graph is the small stream-processing framework the ipc nodes plug
// into.
//
// Every node satisfies Node: it accepts inbound messages through Handle,
// forwards results downstream through Scatter, and counts work with Tick.
// Nodes built on Base can also subscribe to named lifecycle events (START,
// STOP) with On; a Graph delivers START to its nodes in insertion order and
// STOP in reverse order.
//
// Scheduling is deliberately minimal: Run starts the graph, runs every
// Producer concurrently until they finish, then stops the graph.
package graph
