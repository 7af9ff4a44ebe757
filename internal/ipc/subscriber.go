package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/metrics"
)

// SubscriberState is the position of a Subscriber in its lifecycle.
type SubscriberState int32

const (
	SubscriberIdle SubscriberState = iota
	SubscriberRunning
	SubscriberStopping
	SubscriberTerminated
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberIdle:
		return "idle"
	case SubscriberRunning:
		return "running"
	case SubscriberStopping:
		return "stopping"
	case SubscriberTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome classifies the handling of one inbound message.
type Outcome int

const (
	Handled Outcome = iota
	Failed
)

// Result is the outcome of dispatching one message.
type Result struct {
	Outcome Outcome
	Err     error
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithHandler replaces the default dispatch path (Scatter to connected nodes).
func WithHandler(h func(ctx context.Context, msg message.Message) error) SubscriberOption {
	return func(s *Subscriber) { s.handler = h }
}

// WithSubscriberMetrics sets the collectors used for handler failures.
func WithSubscriberMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// Subscriber is the child-side loop. It relays inbound data messages into
// the nodes connected to it.
type Subscriber struct {
	*graph.Base

	end     Endpoint
	handler func(ctx context.Context, msg message.Message) error
	state   atomic.Int32
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubscriber returns an idle Subscriber that owns end.
func NewSubscriber(name string, end Endpoint, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		Base:    graph.NewBase(name),
		end:     end,
		metrics: metrics.Default(),
		logger:  log.WithNode(name),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = s.Scatter
	}
	return s
}

// State returns the current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

// Running reports whether the loop is active.
func (s *Subscriber) Running() bool {
	return s.State() == SubscriberRunning
}

// Handle runs the dispatch path for one message, as if it arrived on the channel.
func (s *Subscriber) Handle(ctx context.Context, msg message.Message) error {
	return s.handler(ctx, msg)
}

// Run receives until the shutdown sentinel arrives. It returns nil on a
// clean stop and an error if the channel fails or ctx ends first.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SubscriberIdle), int32(SubscriberRunning)) {
		return ErrAlreadyRunning
	}
	defer s.state.Store(int32(SubscriberTerminated))

	s.logger.Info("starting")

	for {
		msg, err := s.end.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			s.logger.Error("channel failed", "error", err)
			return fmt.Errorf("subscriber %s: %w", s.Name(), err)
		}

		if msg.IsShutdown() {
			s.state.Store(int32(SubscriberStopping))
			s.logger.Info("exiting")
			return nil
		}

		res := s.dispatch(ctx, msg)
		if res.Outcome == Failed {
			s.metrics.HandlerFailures.WithLabelValues(s.Name()).Inc()
			s.logger.Error("error handling message", "error", res.Err, "channel", string(msg.Channel()))
		}
		s.Tick()
	}
}

// dispatch turns errors and panics from the handler into a Result.
func (s *Subscriber) dispatch(ctx context.Context, msg message.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: Failed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := s.handler(ctx, msg); err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	return Result{Outcome: Handled}
}

// Relay sends every message it handles back over the channel.
type Relay struct {
	*graph.Base
	end Endpoint
}

// NewRelay returns a Relay writing to end.
func NewRelay(name string, end Endpoint) *Relay {
	return &Relay{Base: graph.NewBase(name), end: end}
}

// Handle sends msg to the other end of the channel.
func (r *Relay) Handle(ctx context.Context, msg message.Message) error {
	if msg.IsShutdown() {
		return ErrReservedChannel
	}
	if err := r.end.Send(ctx, msg); err != nil {
		return err
	}
	r.Tick()
	return nil
}
