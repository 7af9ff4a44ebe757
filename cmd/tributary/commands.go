package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/ipc"
	"github.com/mattjoyce/tributary/internal/message"
	"github.com/mattjoyce/tributary/internal/source"
)

// echoEntry is the child entry the echo command runs.
const echoEntry = "echo"

// echoFactory builds the child side of the echo command: every message comes
// back with echoed=true.
func echoFactory() ipc.EntryFactory {
	return ipc.GraphFactory{
		Name: echoEntry,
		Build: func() (ipc.SubGraph, error) {
			el := graph.NewElement("echo.mark", func(_ context.Context, msg message.Message) ([]message.Message, error) {
				return []message.Message{msg.With("echoed", true)}, nil
			})
			g := graph.New(echoEntry)
			g.Add(el)
			return ipc.SubGraph{Graph: g, Input: el, Output: el}, nil
		},
	}
}

// runSource connects src to a printer and runs the graph.
func (a *app) runSource(ctx context.Context, src interface {
	graph.Producer
	graph.Connector
}) error {
	out := newPrinter("print", a.stdout)
	src.Connect(out)

	g := graph.New(src.Name())
	g.Add(src, out)
	return g.Run(ctx)
}

func (a *app) walkCmd() *cobra.Command {
	var digest bool
	cmd := &cobra.Command{
		Use:   "walk <dir>",
		Short: "Emit every regular file under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := source.WalkOptionsFromConfig(a.cfg.Sources.Walk)
			if cmd.Flags().Changed("digest") {
				opts.Digest = digest
			}
			return a.runSource(cmd.Context(), source.NewWalk("walk", args[0], opts))
		},
	}
	cmd.Flags().BoolVar(&digest, "digest", false, "Add a blake3 digest of each file")
	return cmd
}

func (a *app) globCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "glob <pattern>",
		Short: "Emit the absolute path of every file matching a pattern (** supported)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSource(cmd.Context(), source.NewGlob("glob", args[0], nil))
		},
	}
}

func (a *app) delimCmd() *cobra.Command {
	var (
		delim     string
		cols      []string
		noHeader  bool
		comment   string
		skipPre   int
		skipPost  int
		keepLines bool
		batch     bool
	)
	cmd := &cobra.Command{
		Use:   "delim <file>",
		Short: "Emit one record per line of a delimited text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := source.DelimOptionsFromConfig(a.cfg.Sources.Delim)
			flags := cmd.Flags()
			if flags.Changed("delim") {
				opts.Delimiter = delim
			}
			if flags.Changed("comment") {
				opts.CommentChar = comment
			}
			if keepLines {
				opts.SkipLinesWithoutDelim = false
			}
			opts.Cols = cols
			opts.HasHeader = !noHeader
			opts.SkipPreHeaderLines = skipPre
			opts.SkipPostHeaderLines = skipPost
			opts.Batch = batch

			d, err := source.NewDelim("delim", args[0], opts)
			if err != nil {
				return err
			}
			return a.runSource(cmd.Context(), d)
		},
	}
	f := cmd.Flags()
	f.StringVar(&delim, "delim", ",", "Field separator (regular expression); empty splits on whitespace")
	f.StringSliceVar(&cols, "cols", nil, "Column names; implies --no-header")
	f.BoolVar(&noHeader, "no-header", false, "The file has no header row")
	f.StringVar(&comment, "comment", "#", "Skip lines starting with this; empty disables")
	f.IntVar(&skipPre, "skip-pre-header", 0, "Lines to skip before the header")
	f.IntVar(&skipPost, "skip-post-header", 0, "Lines to skip after the header")
	f.BoolVar(&keepLines, "keep-lines-without-delim", false, "Keep lines the delimiter does not match")
	f.BoolVar(&batch, "batch", false, "Emit all records in a single message")
	return cmd
}

func (a *app) echoCmd() *cobra.Command {
	var (
		local   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "echo <text>...",
		Short: "Round-trip each argument through a child process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEcho(cmd.Context(), args, local, timeout)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Run the child on a goroutine instead of a process")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the replies")
	return cmd
}

func (a *app) runEcho(ctx context.Context, args []string, local bool, timeout time.Duration) error {
	opts := []ipc.Option{ipc.WithConfig(a.cfg.IPC), ipc.WithEntryName(echoEntry)}
	endpoint := ipc.EndpointOptionsFromConfig(a.cfg.IPC)
	if a.metrics != nil {
		opts = append(opts, ipc.WithMetrics(a.metrics))
		endpoint.Metrics = a.metrics
	}
	if local {
		opts = append(opts, ipc.WithSpawner(ipc.LocalSpawner{Endpoint: endpoint}))
	} else {
		spawner := ipc.ExecSpawner{Stderr: a.stderr, Endpoint: endpoint}
		if a.configPath != "" {
			spawner.Env = append(spawner.Env, config.EnvPrefix+"_CONFIG="+a.configPath)
		}
		opts = append(opts, ipc.WithSpawner(spawner))
	}

	d, err := ipc.NewDispatcher("echo", echoFactory(), opts...)
	if err != nil {
		return err
	}
	replies := graph.NewSink("replies")
	d.Connect(replies)

	g := graph.New("echo")
	g.Add(d, replies)
	if err := g.Start(ctx); err != nil {
		return joinStop(ctx, g, err)
	}

	for _, text := range args {
		if err := d.Handle(ctx, message.New(message.F("text", text))); err != nil {
			return joinStop(ctx, g, err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	got, waitErr := replies.WaitFor(waitCtx, len(args))
	cancel()
	if err := g.Stop(context.Background()); err != nil {
		return err
	}
	if waitErr != nil {
		return fmt.Errorf("waiting for %d replies, got %d: %w", len(args), len(got), waitErr)
	}

	p := newPrinter("print", a.stdout)
	for _, msg := range got {
		if err := p.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// joinStop stops g after a failure so the child is not left running.
func joinStop(ctx context.Context, g *graph.Graph, err error) error {
	if stopErr := g.Stop(context.WithoutCancel(ctx)); stopErr != nil {
		return fmt.Errorf("%w (stop: %v)", err, stopErr)
	}
	return err
}
