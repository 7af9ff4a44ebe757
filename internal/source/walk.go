package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
)

// WalkOptions configures a Walk.
type WalkOptions struct {
	// Digest adds a blake3 hex digest of each file's content.
	Digest bool
	// Follow descends into symlinked directories.
	Follow bool
	Logger *slog.Logger
}

// WalkOptionsFromConfig maps the walk config section onto options.
func WalkOptionsFromConfig(cfg config.WalkConfig) WalkOptions {
	return WalkOptions{Digest: cfg.Digest}
}

// Walk emits one {filename} message for every regular file under a root
// directory, in lexical order.
type Walk struct {
	*graph.Base
	root   string
	opts   WalkOptions
	logger *slog.Logger
}

// NewWalk returns a Walk over root.
func NewWalk(name, root string, opts WalkOptions) *Walk {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithNode(name)
	}
	return &Walk{Base: graph.NewBase(name), root: root, opts: opts, logger: logger}
}

// Files returns every regular file under the root, sorted.
func (w *Walk) Files(ctx context.Context) ([]string, error) {
	info, err := os.Stat(w.root)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", w.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("walk %s: not a directory", w.root)
	}

	var (
		mu    sync.Mutex
		files []string
	)
	conf := fastwalk.Config{Follow: w.opts.Follow}
	err = fastwalk.Walk(&conf, w.root, func(p string, d fs.DirEntry, err error) error {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			w.logger.Warn("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		mu.Lock()
		files = append(files, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", w.root, err)
	}

	sort.Strings(files)
	return files, nil
}

// Produce walks the root and scatters one message per file.
func (w *Walk) Produce(ctx context.Context) error {
	files, err := w.Files(ctx)
	if err != nil {
		return err
	}
	w.logger.Debug("walked directory", "root", w.root, "files", len(files))

	for _, p := range files {
		msg := message.New(message.F("filename", p))
		if w.opts.Digest {
			sum, err := fileDigest(p)
			if err != nil {
				return err
			}
			msg = msg.With("digest", sum)
		}
		if err := w.Scatter(ctx, msg); err != nil {
			return err
		}
		w.Tick()
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
