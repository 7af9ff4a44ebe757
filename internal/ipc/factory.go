package ipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/tributary/internal/graph"
)

// EntryFunc is a child's main routine. It owns end for its whole lifetime and
// returns only when told to stop or when the channel fails.
type EntryFunc func(ctx context.Context, end Endpoint) error

// EntryFactory produces the entry function a child runs.
type EntryFactory interface {
	Create() (EntryFunc, error)
}

// BaseFactory is embedded by factories that implement Create themselves.
// Used on its own it fails with ErrNotImplemented.
type BaseFactory struct{}

// Create always fails: a factory must provide its own.
func (BaseFactory) Create() (EntryFunc, error) {
	return nil, ErrNotImplemented
}

// FuncFactory hands a user function to the child unchanged.
type FuncFactory EntryFunc

// Create returns the wrapped function.
func (f FuncFactory) Create() (EntryFunc, error) {
	if f == nil {
		return nil, ErrNotImplemented
	}
	return EntryFunc(f), nil
}

// SubGraph is the part of a graph a GraphFactory runs inside the child.
// Input receives every data message from the parent; everything scattered
// from Output is relayed back to the parent. Graph, when set, receives the
// START and STOP lifecycle events around the subscriber loop.
type SubGraph struct {
	Graph  *graph.Graph
	Input  graph.Node
	Output graph.Connector
}

// GraphFactory composes a sub-graph and bridges it onto the channel.
type GraphFactory struct {
	Name    string
	Build   func() (SubGraph, error)
	Options []SubscriberOption
}

// Create returns an entry that builds the sub-graph, wires a Subscriber in
// front of it and a Relay behind it, and runs until the sentinel arrives.
func (f GraphFactory) Create() (EntryFunc, error) {
	if f.Build == nil {
		return nil, ErrNotImplemented
	}

	return func(ctx context.Context, end Endpoint) error {
		sg, err := f.Build()
		if err != nil {
			return fmt.Errorf("build sub-graph %s: %w", f.Name, err)
		}
		if sg.Input == nil || sg.Output == nil {
			return fmt.Errorf("build sub-graph %s: input and output are required", f.Name)
		}

		sg.Output.Connect(NewRelay(f.Name+".relay", end))
		sub := NewSubscriber(f.Name, end, f.Options...)
		sub.Connect(sg.Input)

		if sg.Graph != nil {
			if err := sg.Graph.Start(ctx); err != nil {
				return errors.Join(err, sg.Graph.Stop(ctx))
			}
		}

		runErr := sub.Run(ctx)

		var stopErr error
		if sg.Graph != nil {
			stopErr = sg.Graph.Stop(ctx)
		}
		return errors.Join(runErr, stopErr)
	}, nil
}
