package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
)

// Graph owns a set of nodes and drives their lifecycle.
type Graph struct {
	name   string
	nodes  []Node
	logger *slog.Logger
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:   name,
		logger: log.WithComponent("graph").With("graph", name),
	}
}

// Add appends nodes. Lifecycle events reach them in the order they were added.
func (g *Graph) Add(nodes ...Node) {
	g.nodes = append(g.nodes, nodes...)
}

// Start delivers START to every node in insertion order and stops at the
// first failure.
func (g *Graph) Start(ctx context.Context) error {
	ev := message.Tagged(message.ChannelStart)
	for _, n := range g.nodes {
		em, ok := n.(Emitter)
		if !ok {
			continue
		}
		if err := em.Emit(ctx, EventStart, ev); err != nil {
			return fmt.Errorf("start %s: %w", n.Name(), err)
		}
	}
	g.logger.Debug("graph started", "nodes", len(g.nodes))
	return nil
}

// Stop delivers STOP to every node in reverse order. Every node is stopped
// even if an earlier one fails.
func (g *Graph) Stop(ctx context.Context) error {
	ev := message.Tagged(message.ChannelStop)
	var errs []error
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		em, ok := n.(Emitter)
		if !ok {
			continue
		}
		if err := em.Emit(ctx, EventStop, ev); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", n.Name(), err))
		}
	}
	g.logger.Debug("graph stopped", "errors", len(errs))
	return errors.Join(errs...)
}

// Run starts the graph, runs all producers concurrently until they return,
// then stops the graph. STOP follows the last produced message immediately,
// so a node that answers asynchronously loses whatever it has not emitted by
// then unless it drains on STOP itself.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return errors.Join(err, g.Stop(ctx))
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, n := range g.nodes {
		p, ok := n.(Producer)
		if !ok {
			continue
		}
		eg.Go(func() error {
			if err := p.Produce(egCtx); err != nil {
				return fmt.Errorf("produce %s: %w", p.Name(), err)
			}
			return nil
		})
	}
	runErr := eg.Wait()

	return errors.Join(runErr, g.Stop(ctx))
}
