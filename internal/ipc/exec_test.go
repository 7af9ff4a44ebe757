package ipc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/ipc"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/metrics"
)

func execSpawner(stderr io.Writer) ipc.ExecSpawner {
	return ipc.ExecSpawner{
		Env:      []string{"TRIBUTARY_LOG_LEVEL=ERROR"},
		Stderr:   stderr,
		Endpoint: ipc.EndpointOptions{ReceivePoll: 50 * time.Millisecond, Metrics: metrics.New(nil)},
	}
}

func newExecDispatcher(t *testing.T, entry string, opts ...ipc.Option) *ipc.Dispatcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("child processes are signalled with SIGTERM")
	}
	opts = append([]ipc.Option{
		ipc.WithSpawner(execSpawner(io.Discard)),
		ipc.WithEntryName(entry),
		ipc.WithMetrics(metrics.New(nil)),
		ipc.WithStopTimeout(10 * time.Second),
	}, opts...)
	d, err := ipc.NewDispatcher(entry, echoFuncFactory("unused"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestExecEcho(t *testing.T) {
	ctx := testContext(t)
	var closes atomic.Int32
	d := newExecDispatcher(t, entryEcho,
		ipc.WithOnClose(func(context.Context, *ipc.Dispatcher) error {
			closes.Add(1)
			return nil
		}))

	assert.Greater(t, d.Pid(), 0)
	assert.NotEqual(t, os.Getpid(), d.Pid(), "the child runs in its own process")

	require.NoError(t, d.Emit(ctx, graph.EventStart, message.Tagged(message.ChannelStart)))
	sendSeq(t, ctx, d.Send, 3)

	for i := 0; i < 3; {
		msg, err := d.Receive(ctx)
		if errors.Is(err, ipc.ErrReceiveTimeout) {
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), msg.String("seq"))
		assert.Equal(t, true, msg.Value("echoed"))
		i++
	}

	require.NoError(t, d.Emit(ctx, graph.EventStop, message.Tagged(message.ChannelStop)))
	assert.Equal(t, ipc.StateClosed, d.State())
	assert.Equal(t, int32(1), closes.Load())

	select {
	case <-d.ChildDone():
	default:
		t.Fatal("child still running after STOP")
	}
}

func TestExecForwardsDownstream(t *testing.T) {
	ctx := testContext(t)
	d := newExecDispatcher(t, entryEcho)
	sink := graph.NewSink("sink")
	d.Connect(sink)

	g := graph.New("exec-forward")
	g.Add(d, sink)
	require.NoError(t, g.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Handle(ctx, message.New(message.F("seq", i))))
	}
	got, err := sink.WaitFor(ctx, 5)
	require.NoError(t, err)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprint(i), msg.String("seq"))
	}

	require.NoError(t, g.Stop(ctx))
}

func TestExecUnknownEntry(t *testing.T) {
	d, err := ipc.NewDispatcher("nope", echoFuncFactory("unused"),
		ipc.WithSpawner(execSpawner(io.Discard)),
		ipc.WithMetrics(metrics.New(nil)))
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ipc.ErrSpawn)
	assert.ErrorIs(t, err, ipc.ErrUnknownEntry)
}

func TestExecBadPath(t *testing.T) {
	spawner := execSpawner(io.Discard)
	spawner.Path = "/nonexistent/tributary-child"
	d, err := ipc.NewDispatcher(entryEcho, echoFuncFactory("unused"),
		ipc.WithSpawner(spawner),
		ipc.WithMetrics(metrics.New(nil)))
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ipc.ErrSpawn)
}

func TestExecChildIgnoringSentinelGetsSIGTERM(t *testing.T) {
	ctx := testContext(t)
	d := newExecDispatcher(t, entryIgnoreSentinel,
		ipc.WithStopTimeout(200*time.Millisecond),
		ipc.WithKillGrace(10*time.Second))

	start := time.Now()
	err := d.OnStop(ctx, message.Tagged(message.ChannelStop))
	assert.ErrorIs(t, err, ipc.ErrShutdownTimeout)
	assert.Less(t, time.Since(start), 10*time.Second, "SIGTERM was enough, no SIGKILL wait")
	assert.Equal(t, ipc.StateClosed, d.State())
}

func TestExecChildIgnoringSIGTERMGetsSIGKILL(t *testing.T) {
	ctx := testContext(t)
	d := newExecDispatcher(t, entryIgnoreSigterm,
		ipc.WithStopTimeout(200*time.Millisecond),
		ipc.WithKillGrace(200*time.Millisecond))

	err := d.OnStop(ctx, message.Tagged(message.ChannelStop))
	assert.ErrorIs(t, err, ipc.ErrShutdownTimeout)

	<-d.ChildDone()
	assert.Equal(t, ipc.StateClosed, d.State())
}

func TestExecChildCrashLogsToStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("child processes are signalled with SIGTERM")
	}
	ctx := testContext(t)
	var stderr bytes.Buffer
	d, err := ipc.NewDispatcher(entryCrash, echoFuncFactory("unused"),
		ipc.WithSpawner(execSpawner(&stderr)),
		ipc.WithMetrics(metrics.New(nil)))
	require.NoError(t, err)

	select {
	case <-d.ChildDone():
	case <-ctx.Done():
		t.Fatal("crashing child did not exit")
	}
	assert.Contains(t, stderr.String(), "child entry failed")
	assert.Contains(t, stderr.String(), "boom")

	err = d.OnStop(ctx, message.Tagged(message.ChannelStop))
	assert.NotErrorIs(t, err, ipc.ErrShutdownTimeout)
	assert.Equal(t, ipc.StateClosed, d.State())
}

// childPipes wires RunChild to a parent endpoint in this process.
func childPipes(t *testing.T) (parent ipc.Endpoint, r io.ReadCloser, w io.WriteCloser) {
	t.Helper()
	toChildR, toChildW := io.Pipe()
	toParentR, toParentW := io.Pipe()
	parent = ipc.NewStreamEndpoint("parent", toParentR, toChildW, ipc.EndpointOptions{Metrics: metrics.New(nil)})
	t.Cleanup(func() { _ = parent.Close() })
	return parent, toChildR, toParentW
}

func TestRunChild(t *testing.T) {
	opts := ipc.EndpointOptions{Metrics: metrics.New(nil)}

	t.Run("echo stops cleanly", func(t *testing.T) {
		ctx := testContext(t)
		parent, r, w := childPipes(t)

		code := make(chan int, 1)
		go func() { code <- ipc.RunChild(ctx, entryEcho, r, w, opts) }()

		require.NoError(t, parent.Send(ctx, message.New(message.F("k", "v"))))
		msg, err := parent.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, true, msg.Value("echoed"))

		require.NoError(t, parent.Send(ctx, message.Shutdown()))
		assert.Equal(t, 0, <-code)
	})

	t.Run("entry failure", func(t *testing.T) {
		ctx := testContext(t)
		_, r, w := childPipes(t)
		assert.Equal(t, 1, ipc.RunChild(ctx, entryCrash, r, w, opts))
	})

	t.Run("unknown entry", func(t *testing.T) {
		ctx := testContext(t)
		_, r, w := childPipes(t)
		assert.Equal(t, 2, ipc.RunChild(ctx, "missing", r, w, opts))
	})

	t.Run("factory without create", func(t *testing.T) {
		ctx := testContext(t)
		_, r, w := childPipes(t)
		assert.Equal(t, 2, ipc.RunChild(ctx, entryNotImplemented, r, w, opts))
	})
}

func TestRegister(t *testing.T) {
	assert.Panics(t, func() { ipc.Register(entryEcho, echoFuncFactory("dup")) }, "duplicate name")
	assert.Panics(t, func() { ipc.Register("", echoFuncFactory("empty")) }, "empty name")
	assert.Panics(t, func() { ipc.Register("nil-factory", nil) }, "nil factory")

	_, err := ipc.Lookup("missing")
	assert.ErrorIs(t, err, ipc.ErrUnknownEntry)

	f, err := ipc.Lookup(entryEcho)
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestInitOutsideChild(t *testing.T) {
	assert.False(t, ipc.Init(), "Init does nothing unless started by ExecSpawner")
}
