package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/tributary/internal/message"
)

// Event names a lifecycle event.
type Event string

const (
	EventStart Event = "start"
	EventStop  Event = "stop"
)

// Handler reacts to a lifecycle event.
type Handler func(ctx context.Context, ev message.Message) error

// Node is the contract every graph element satisfies.
type Node interface {
	Name() string
	Handle(ctx context.Context, msg message.Message) error
	Tick()
}

// Producer is a node that generates messages on its own.
type Producer interface {
	Node
	Produce(ctx context.Context) error
}

// EventSource lets a node subscribe to named lifecycle events.
type EventSource interface {
	On(ev Event, h Handler)
}

// Emitter delivers lifecycle events to a node's subscribers.
type Emitter interface {
	Emit(ctx context.Context, ev Event, msg message.Message) error
}

// Base implements the plumbing shared by all nodes. Embed *Base and override
// Handle to build a processing node.
type Base struct {
	name string

	mu        sync.Mutex
	outputs   []Node
	listeners map[Event][]Handler

	ticks atomic.Int64
}

var (
	_ Node        = (*Base)(nil)
	_ EventSource = (*Base)(nil)
	_ Emitter     = (*Base)(nil)
)

// NewBase returns a Base with the given name.
func NewBase(name string) *Base {
	return &Base{
		name:      name,
		listeners: make(map[Event][]Handler),
	}
}

// Name returns the node name.
func (b *Base) Name() string { return b.name }

// Connect adds downstream nodes.
func (b *Base) Connect(nodes ...Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, nodes...)
}

// Outputs returns the downstream nodes.
func (b *Base) Outputs() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Node, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// Scatter forwards msg to every downstream node. All nodes receive the
// message even if one fails; the errors are joined.
func (b *Base) Scatter(ctx context.Context, msg message.Message) error {
	var errs []error
	for _, n := range b.Outputs() {
		if err := n.Handle(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Handle passes msg straight through.
func (b *Base) Handle(ctx context.Context, msg message.Message) error {
	return b.Scatter(ctx, msg)
}

// Tick records one unit of work.
func (b *Base) Tick() { b.ticks.Add(1) }

// Ticks returns the number of Tick calls.
func (b *Base) Ticks() int64 { return b.ticks.Load() }

// On subscribes h to ev.
func (b *Base) On(ev Event, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[ev] = append(b.listeners[ev], h)
}

// Emit runs the handlers subscribed to ev in subscription order.
func (b *Base) Emit(ctx context.Context, ev Event, msg message.Message) error {
	b.mu.Lock()
	handlers := make([]Handler, len(b.listeners[ev]))
	copy(handlers, b.listeners[ev])
	b.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connector accepts downstream nodes.
type Connector interface {
	Connect(nodes ...Node)
}
