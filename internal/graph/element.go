package graph

import (
	"context"
	"sync"

	"github.com/mattjoyce/tributary/internal/message"
)

// ProcessFunc turns one inbound message into zero or more outbound messages.
type ProcessFunc func(ctx context.Context, msg message.Message) ([]message.Message, error)

// Element is a node driven by a ProcessFunc.
type Element struct {
	*Base
	process ProcessFunc
}

// NewElement returns an Element named name.
func NewElement(name string, fn ProcessFunc) *Element {
	return &Element{Base: NewBase(name), process: fn}
}

// Handle runs the process function and scatters its results. A process error
// is returned to the caller without scattering anything.
func (e *Element) Handle(ctx context.Context, msg message.Message) error {
	out, err := e.process(ctx, msg)
	if err != nil {
		return err
	}
	for _, m := range out {
		if err := e.Scatter(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Sink collects every message it handles.
type Sink struct {
	*Base

	mu       sync.Mutex
	messages []message.Message
	notify   chan struct{}
}

// NewSink returns an empty Sink.
func NewSink(name string) *Sink {
	return &Sink{Base: NewBase(name), notify: make(chan struct{}, 1)}
}

// Handle stores msg.
func (s *Sink) Handle(_ context.Context, msg message.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Messages returns a copy of everything received so far.
func (s *Sink) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// WaitFor blocks until at least n messages have arrived or ctx is done.
func (s *Sink) WaitFor(ctx context.Context, n int) ([]message.Message, error) {
	for {
		if msgs := s.Messages(); len(msgs) >= n {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return s.Messages(), ctx.Err()
		case <-s.notify:
		}
	}
}
