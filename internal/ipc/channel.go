package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/metrics"
	"github.com/mattjoyce/tributary/internal/protocol"
)

// defaultInboxSize is how many decoded messages an endpoint buffers ahead of
// Receive. It keeps two endpoints that both send before receiving from
// deadlocking on small exchanges.
const defaultInboxSize = 64

// Endpoint is one end of the duplex channel between parent and child.
// Messages are received in the order the other end sent them.
type Endpoint interface {
	// Send blocks until msg is written to the channel or ctx is done. A write
	// abandoned part way leaves the stream unusable, so the endpoint stops
	// sending from then on.
	Send(ctx context.Context, msg message.Message) error
	// Receive blocks until a message arrives, ctx is done, or the poll
	// interval passes (ErrReceiveTimeout).
	Receive(ctx context.Context) (message.Message, error)
	// Close releases the endpoint. Pending and future calls fail with
	// ErrChannelClosed.
	Close() error
}

// EndpointOptions tunes a stream endpoint.
type EndpointOptions struct {
	// ReceivePoll bounds each Receive call; zero blocks indefinitely.
	ReceivePoll time.Duration
	// MaxMessageBytes bounds one encoded envelope.
	MaxMessageBytes int
	// InboxSize is the number of decoded messages buffered ahead of Receive.
	InboxSize int
	Metrics   *metrics.Metrics
}

// EndpointOptionsFromConfig maps the ipc config section onto endpoint options.
func EndpointOptionsFromConfig(cfg config.IPCConfig) EndpointOptions {
	return EndpointOptions{
		ReceivePoll:     cfg.ReceivePoll,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}
}

// streamEndpoint speaks the envelope protocol over a byte stream pair.
type streamEndpoint struct {
	name    string
	r       io.ReadCloser
	w       io.WriteCloser
	poll    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	wsem         chan struct{} // held for the length of one write
	wbroken      atomic.Bool
	wcloseOnce   sync.Once
	sentShutdown atomic.Bool
	draining     chan struct{} // closed once the sentinel is sent
	drainOnce    sync.Once

	inbox   chan message.Message
	done    chan struct{} // closed when readLoop exits
	readErr error         // set before done closes

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Endpoint = (*streamEndpoint)(nil)

// NewStreamEndpoint returns an Endpoint reading envelopes from r and writing
// them to w. The endpoint owns both streams and closes them on Close.
func NewStreamEndpoint(name string, r io.ReadCloser, w io.WriteCloser, opts EndpointOptions) Endpoint {
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	e := &streamEndpoint{
		name:     name,
		r:        r,
		w:        w,
		poll:     opts.ReceivePoll,
		metrics:  opts.Metrics,
		logger:   log.WithComponent("ipc").With("endpoint", name),
		wsem:     make(chan struct{}, 1),
		draining: make(chan struct{}),
		inbox:    make(chan message.Message, opts.InboxSize),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go e.readLoop(protocol.NewDecoder(r, opts.MaxMessageBytes))
	return e
}

// Pipe returns a connected in-memory pair. The parent end sends to the child
// end and vice versa.
func Pipe(name string, opts EndpointOptions) (parent, child Endpoint) {
	toChildR, toChildW := io.Pipe()
	toParentR, toParentW := io.Pipe()
	parent = NewStreamEndpoint(name+".parent", toParentR, toChildW, opts)
	child = NewStreamEndpoint(name+".child", toChildR, toParentW, opts)
	return parent, child
}

func (e *streamEndpoint) readLoop(dec *protocol.Decoder) {
	defer close(e.done)
	for {
		env, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedEnvelope) {
				e.logger.Warn("skipping malformed envelope", "error", err)
				continue
			}
			e.readErr = fmt.Errorf("%w: %w", ErrChannelClosed, err)
			return
		}

		// After this end sent the sentinel nothing more is delivered, but the
		// stream is still drained so the peer never blocks on a full pipe.
		select {
		case <-e.draining:
			continue
		default:
		}

		select {
		case e.inbox <- env.Message:
		case <-e.draining:
		case <-e.closed:
			e.readErr = ErrChannelClosed
			return
		}
	}
}

// Send writes msg to the channel. Once the shutdown sentinel has been sent
// every further Send fails with ErrChannelClosed.
func (e *streamEndpoint) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case e.wsem <- struct{}{}:
	case <-e.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.wsem }()

	select {
	case <-e.closed:
		return ErrChannelClosed
	default:
	}
	if e.wbroken.Load() {
		return fmt.Errorf("%w: previous write abandoned", ErrChannelClosed)
	}
	if e.sentShutdown.Load() {
		return fmt.Errorf("%w: shutdown already sent", ErrChannelClosed)
	}

	env := protocol.NewEnvelope(e.name, msg)
	written := make(chan error, 1)
	go func() { written <- protocol.EncodeEnvelope(e.w, env) }()

	var err error
	select {
	case err = <-written:
	case <-ctx.Done():
		select {
		case err = <-written:
		default:
			e.abandonWrite(msg)
			return fmt.Errorf("%w: %w", ErrChannelClosed, ctx.Err())
		}
	case <-e.closed:
		return ErrChannelClosed
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	if msg.IsShutdown() {
		e.markShutdown()
	}
	e.metrics.MessagesSent.WithLabelValues(e.name).Inc()
	return nil
}

// abandonWrite closes the write side under a write that will not finish. The
// pending encode returns once the stream is closed.
func (e *streamEndpoint) abandonWrite(msg message.Message) {
	e.wbroken.Store(true)
	if msg.IsShutdown() {
		e.markShutdown()
	}
	e.logger.Warn("abandoning blocked write", "channel", string(msg.Channel()))
	if err := e.closeWriter(); err != nil {
		e.logger.Debug("closing writer", "error", err)
	}
}

func (e *streamEndpoint) markShutdown() {
	e.sentShutdown.Store(true)
	e.drainOnce.Do(func() { close(e.draining) })
}

func (e *streamEndpoint) closeWriter() error {
	var err error
	e.wcloseOnce.Do(func() { err = e.w.Close() })
	return err
}

// Receive returns the next message in send order.
func (e *streamEndpoint) Receive(ctx context.Context) (message.Message, error) {
	if e.sentShutdown.Load() {
		return message.Message{}, fmt.Errorf("%w: shutdown already sent", ErrChannelClosed)
	}

	select {
	case msg := <-e.inbox:
		return e.deliver(msg), nil
	default:
	}

	var timeout <-chan time.Time
	if e.poll > 0 {
		timer := time.NewTimer(e.poll)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-e.inbox:
		return e.deliver(msg), nil
	case <-e.done:
		// Prefer anything decoded before the stream ended.
		select {
		case msg := <-e.inbox:
			return e.deliver(msg), nil
		default:
		}
		return message.Message{}, e.readErr
	case <-e.closed:
		return message.Message{}, ErrChannelClosed
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	case <-timeout:
		return message.Message{}, ErrReceiveTimeout
	}
}

func (e *streamEndpoint) deliver(msg message.Message) message.Message {
	e.metrics.MessagesReceived.WithLabelValues(e.name).Inc()
	return msg
}

// Close closes both streams. It is safe to call more than once.
func (e *streamEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = errors.Join(e.closeWriter(), e.r.Close())
	})
	return err
}
