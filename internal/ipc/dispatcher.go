package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/metrics"
)

const (
	// defaultStopTimeout bounds the join after the sentinel is sent.
	defaultStopTimeout = 30 * time.Second

	// defaultKillGrace is the time we wait after SIGTERM before sending SIGKILL.
	defaultKillGrace = 5 * time.Second
)

// State is the position of a Dispatcher in its lifecycle.
type State int32

const (
	StateConstructed State = iota
	StateRegistered
	StateStopping
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRegistered:
		return "registered"
	case StateStopping:
		return "stopping"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hook is an extension point run during the dispatcher lifecycle.
type Hook func(ctx context.Context, d *Dispatcher) error

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSpawner selects how the child is started. The default is ExecSpawner.
func WithSpawner(s Spawner) Option {
	return func(d *Dispatcher) { d.spawner = s }
}

// WithEntryName selects the registered entry a re-executed child runs.
// It defaults to the dispatcher name.
func WithEntryName(name string) Option {
	return func(d *Dispatcher) { d.entryName = name }
}

// WithOnConnection sets the hook run on the first START event.
func WithOnConnection(h Hook) Option {
	return func(d *Dispatcher) { d.onConnection = h }
}

// WithOnClose sets the hook run after the child has been joined.
func WithOnClose(h Hook) Option {
	return func(d *Dispatcher) { d.onClose = h }
}

// WithStopTimeout bounds the join after the sentinel. Zero waits forever.
func WithStopTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.stopTimeout = timeout }
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.killGrace = grace }
}

// WithQuietPeriod makes OnStop wait, before sending the sentinel, until no
// message has crossed the channel in either direction for quiet. Replies the
// child sends after the sentinel are discarded, so a graph driven by Run
// needs this to keep output still in flight when its producers finish. The
// wait counts against the stop timeout.
func WithQuietPeriod(quiet time.Duration) Option {
	return func(d *Dispatcher) { d.quiet = quiet }
}

// WithConfig applies the ipc config section: shutdown bounds, and endpoint
// settings for the default spawner.
func WithConfig(cfg config.IPCConfig) Option {
	return func(d *Dispatcher) {
		d.stopTimeout = cfg.StopTimeout
		d.killGrace = cfg.KillGrace
		d.endpointOpts = EndpointOptionsFromConfig(cfg)
	}
}

// WithMetrics sets the collectors the dispatcher reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher is the parent-side node that owns one child and its channel.
//
// STOP sends the shutdown sentinel at once, and anything the child writes
// after it is dropped. Owners that need every reply either wait for them
// before stopping (see graph.Sink.WaitFor) or set WithQuietPeriod.
type Dispatcher struct {
	*graph.Base

	spawner      Spawner
	entryName    string
	endpointOpts EndpointOptions
	child        Child
	end          Endpoint

	onConnection Hook
	onClose      Hook
	stopTimeout  time.Duration
	killGrace    time.Duration
	quiet        time.Duration
	lastTraffic  atomic.Int64 // unix nanos of the last send or forward

	metrics *metrics.Metrics
	logger  *slog.Logger

	startMu     sync.Mutex // serializes OnStart so the hook runs once
	mu          sync.Mutex
	state       State
	forwardDone chan struct{} // nil unless child output is forwarded downstream
}

// NewDispatcher resolves the factory's entry and spawns the child. When it
// returns without error exactly one child is running. START and STOP
// handlers are registered on the returned node.
func NewDispatcher(name string, factory EntryFactory, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		Base:        graph.NewBase(name),
		entryName:   name,
		stopTimeout: defaultStopTimeout,
		killGrace:   defaultKillGrace,
		logger:      log.WithNode(name).With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.Default()
	}
	if d.endpointOpts.Metrics == nil {
		d.endpointOpts.Metrics = d.metrics
	}
	if d.spawner == nil {
		d.spawner = ExecSpawner{Endpoint: d.endpointOpts}
	}

	if factory == nil {
		return nil, ErrNotImplemented
	}
	entry, err := factory.Create()
	if err != nil {
		return nil, fmt.Errorf("dispatcher %s: %w", name, err)
	}

	child, err := d.spawner.Spawn(SpawnSpec{Name: name, EntryName: d.entryName, Entry: entry})
	if err != nil {
		return nil, fmt.Errorf("dispatcher %s: %w: %w", name, ErrSpawn, err)
	}
	d.child = child
	d.end = child.Endpoint()
	d.metrics.ChildrenRunning.Inc()
	d.logger.Info("child process started", "pid", child.Pid())

	d.Attach(d.Base)
	return d, nil
}

// Attach registers the START and STOP handlers on src. NewDispatcher attaches
// the dispatcher to its own events; attach it to another source when that
// source drives the lifecycle.
func (d *Dispatcher) Attach(src graph.EventSource) {
	src.On(graph.EventStart, d.OnStart)
	src.On(graph.EventStop, d.OnStop)
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pid returns the child's process id (0 for a local child).
func (d *Dispatcher) Pid() int { return d.child.Pid() }

// ChildDone is closed once the child has terminated.
func (d *Dispatcher) ChildDone() <-chan struct{} { return d.child.Done() }

// OnStart runs the connection hook the first time it is called. Later calls,
// and calls after STOP, do nothing. If downstream nodes are connected, child
// output is forwarded to them from here on.
func (d *Dispatcher) OnStart(ctx context.Context, _ message.Message) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.State() != StateConstructed {
		return nil
	}

	if d.onConnection != nil {
		if err := d.onConnection(ctx, d); err != nil {
			return fmt.Errorf("dispatcher %s: on connection: %w", d.Name(), err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConstructed {
		// STOP won the race while the hook ran.
		return nil
	}
	d.state = StateRegistered
	d.touch()

	if len(d.Outputs()) > 0 {
		d.forwardDone = make(chan struct{})
		go d.forward(d.forwardDone)
	}
	return nil
}

// forward relays child output downstream until the channel closes.
func (d *Dispatcher) forward(done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		msg, err := d.end.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			d.logger.Debug("forwarding stopped", "error", err)
			return
		}
		d.touch()
		if err := d.Scatter(ctx, msg); err != nil {
			d.logger.Error("error forwarding child message", "error", err)
		}
		d.Tick()
	}
}

// OnStop sends the shutdown sentinel, waits for the child to terminate and
// runs the close hook. Calls after the first do nothing.
func (d *Dispatcher) OnStop(ctx context.Context, _ message.Message) error {
	d.mu.Lock()
	if d.state >= StateStopping {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	forwardDone := d.forwardDone
	d.mu.Unlock()

	var errs []error

	// The stop timeout covers delivering the sentinel as well as the join: a
	// child blocked on a full channel may never read it.
	stopCtx, cancel := d.stopContext(ctx)
	defer cancel()

	if d.quiet > 0 && forwardDone != nil {
		d.awaitQuiet(stopCtx, forwardDone)
	}

	d.logger.Info("stopping child process")
	if err := d.end.Send(stopCtx, message.Shutdown()); err != nil {
		d.logger.Warn("failed to send shutdown sentinel", "error", err)
		if stopCtx.Err() == nil {
			// The child may already be gone; the join below still applies.
			errs = append(errs, fmt.Errorf("send shutdown: %w", err))
		}
	}

	d.logger.Info("waiting for child process to stop")
	if err := d.join(ctx, stopCtx); err != nil {
		errs = append(errs, err)
	}
	d.metrics.ChildrenRunning.Dec()
	d.setState(StateJoined)
	d.logger.Info("child process stopped")

	if err := d.end.Close(); err != nil {
		d.logger.Debug("closing channel", "error", err)
	}
	if forwardDone != nil {
		<-forwardDone
	}

	if d.onClose != nil {
		if err := d.onClose(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("on close: %w", err))
		}
	}
	d.setState(StateClosed)

	if len(errs) > 0 {
		return fmt.Errorf("dispatcher %s: %w", d.Name(), errors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) touch() { d.lastTraffic.Store(time.Now().UnixNano()) }

// awaitQuiet returns once the channel has been idle for the quiet period,
// forwarding has stopped, or ctx ends.
func (d *Dispatcher) awaitQuiet(ctx context.Context, forwardDone <-chan struct{}) {
	for {
		idle := time.Since(time.Unix(0, d.lastTraffic.Load()))
		if idle >= d.quiet {
			return
		}
		timer := time.NewTimer(d.quiet - idle)
		select {
		case <-timer.C:
		case <-forwardDone:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (d *Dispatcher) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.stopTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.stopTimeout)
}

// join waits for the child, escalating to signals once stopCtx ends. ctx is
// the caller's context and tells a cancelled caller from an expired timeout.
func (d *Dispatcher) join(ctx, stopCtx context.Context) error {
	select {
	case <-d.child.Done():
		return d.joined()
	default:
	}

	select {
	case <-d.child.Done():
		return d.joined()
	case <-stopCtx.Done():
	}

	if err := ctx.Err(); err != nil {
		d.escalate()
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}
	d.metrics.ShutdownTimeouts.WithLabelValues(d.Name()).Inc()
	d.escalate()
	return fmt.Errorf("%w after %v", ErrShutdownTimeout, d.stopTimeout)
}

func (d *Dispatcher) joined() error {
	if err := d.child.Err(); err != nil {
		d.logger.Warn("child exited with error", "error", err)
	}
	return nil
}

// escalate sends SIGTERM, then SIGKILL after the grace period, and returns
// once the child is gone.
func (d *Dispatcher) escalate() {
	d.logger.Warn("child did not stop after shutdown sentinel, sending SIGTERM")
	if err := d.child.Signal(syscall.SIGTERM); err != nil {
		d.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(d.killGrace)
	defer grace.Stop()

	select {
	case <-d.child.Done():
		d.logger.Info("child exited after SIGTERM")
	case <-grace.C:
		d.logger.Warn("child did not exit after SIGTERM, sending SIGKILL")
		if err := d.child.Kill(); err != nil {
			d.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-d.child.Done()
	}
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Send writes a data message to the child. The sentinel is reserved for OnStop.
func (d *Dispatcher) Send(ctx context.Context, msg message.Message) error {
	if msg.IsShutdown() {
		return ErrReservedChannel
	}
	defer d.touch()
	return d.end.Send(ctx, msg)
}

// Receive reads the next message from the child. It must not be used while
// output is being forwarded to downstream nodes.
func (d *Dispatcher) Receive(ctx context.Context) (message.Message, error) {
	return d.end.Receive(ctx)
}

// Handle forwards an inbound graph message to the child.
func (d *Dispatcher) Handle(ctx context.Context, msg message.Message) error {
	return d.Send(ctx, msg)
}

// Close stops the child if OnStop has not run. It makes sure the child is not
// leaked when the owning node goes away without a STOP event.
func (d *Dispatcher) Close() error {
	return d.OnStop(context.Background(), message.Tagged(message.ChannelStop))
}
