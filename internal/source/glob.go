package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
)

// Glob emits one {filename} message, with an absolute path, for every file
// matching a pattern. Patterns may use ** to cross directories.
type Glob struct {
	*graph.Base
	pattern string
	logger  *slog.Logger
}

// NewGlob returns a Glob for pattern. A nil logger uses the node logger.
func NewGlob(name, pattern string, logger *slog.Logger) *Glob {
	if logger == nil {
		logger = log.WithNode(name)
	}
	return &Glob{Base: graph.NewBase(name), pattern: pattern, logger: logger}
}

// Produce expands the pattern and scatters the matches.
func (g *Glob) Produce(ctx context.Context) error {
	g.logger.Info("globbing", "pattern", g.pattern)
	matches, err := doublestar.FilepathGlob(g.pattern)
	if err != nil {
		return fmt.Errorf("glob %q: %w", g.pattern, err)
	}
	g.logger.Info(fmt.Sprintf("found %d matching files", len(matches)), "count", len(matches))

	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return fmt.Errorf("glob %q: %w", g.pattern, err)
		}
		if err := g.Scatter(ctx, message.New(message.F("filename", abs))); err != nil {
			return err
		}
		g.Tick()
	}
	return nil
}
