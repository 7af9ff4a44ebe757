package ipc_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/ipc"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/protocol"
)

// Entries the test binary can run when re-executed as a child.
const (
	entryEcho           = "test-echo"
	entryIgnoreSentinel = "test-ignore-sentinel"
	entryIgnoreSigterm  = "test-ignore-sigterm"
	entryCrash          = "test-crash"
	entryNotImplemented = "test-not-implemented"
)

func TestMain(m *testing.M) {
	ipc.Register(entryEcho, echoGraphFactory("echo"))
	ipc.Register(entryIgnoreSentinel, ipc.FuncFactory(ignoreSentinel))
	ipc.Register(entryIgnoreSigterm, ipc.FuncFactory(func(context.Context, ipc.Endpoint) error {
		for {
			time.Sleep(time.Hour)
		}
	}))
	ipc.Register(entryCrash, ipc.FuncFactory(func(context.Context, ipc.Endpoint) error {
		return errors.New("boom")
	}))
	ipc.Register(entryNotImplemented, ipc.BaseFactory{})

	if ipc.Init() {
		return
	}

	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// echo returns msg marked as echoed.
func echo(_ context.Context, msg message.Message) ([]message.Message, error) {
	return []message.Message{msg.With("echoed", true)}, nil
}

// echoFuncFactory answers every data message directly from the handler.
func echoFuncFactory(name string) ipc.EntryFactory {
	return ipc.FuncFactory(func(ctx context.Context, end ipc.Endpoint) error {
		sub := ipc.NewSubscriber(name, end, ipc.WithHandler(func(ctx context.Context, msg message.Message) error {
			return end.Send(ctx, msg.With("echoed", true))
		}))
		return sub.Run(ctx)
	})
}

// echoGraphFactory answers through a one-element sub-graph.
func echoGraphFactory(name string) ipc.EntryFactory {
	return ipc.GraphFactory{
		Name: name,
		Build: func() (ipc.SubGraph, error) {
			el := graph.NewElement(name+".echo", echo)
			g := graph.New(name)
			g.Add(el)
			return ipc.SubGraph{Graph: g, Input: el, Output: el}, nil
		},
	}
}

// ignoreSentinel keeps receiving until its context ends.
func ignoreSentinel(ctx context.Context, end ipc.Endpoint) error {
	for {
		if _, err := end.Receive(ctx); err != nil && !errors.Is(err, ipc.ErrReceiveTimeout) {
			return err
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func sendSeq(t *testing.T, ctx context.Context, send func(context.Context, message.Message) error, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := send(ctx, message.New(message.F("seq", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	return testutil.ToFloat64(vec.WithLabelValues(label))
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// writeEnvelopes encodes msgs onto w in order, as a peer endpoint would.
func writeEnvelopes(w io.Writer, msgs ...message.Message) {
	for _, msg := range msgs {
		if err := protocol.EncodeEnvelope(w, protocol.NewEnvelope("raw", msg)); err != nil {
			return
		}
	}
}
