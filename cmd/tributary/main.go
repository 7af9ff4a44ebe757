package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/ipc"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/metrics"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func init() {
	ipc.Register(echoEntry, echoFactory())
}

func main() {
	// A re-executed child runs its entry here and never returns.
	if ipc.Init() {
		return
	}
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdout, os.Stderr)
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath  string
	metricsAddr string
	cfg         *config.Config
	stdout      io.Writer
	stderr      io.Writer

	// Set while --metrics-addr is serving.
	metrics     *metrics.Metrics
	metricsLn   net.Listener
	stopMetrics func() error
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.stopMetrics != nil {
		err = errors.Join(err, a.stopMetrics())
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tributary",
		Short:         "Stream files through data-flow graphs, optionally across child processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			log.Setup(cfg.LogLevel)
			if a.metricsAddr != "" {
				return a.serveMetrics(cmd.Context(), a.metricsAddr)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "Path to a YAML config file")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	root.AddCommand(
		a.walkCmd(),
		a.globCmd(),
		a.delimCmd(),
		a.echoCmd(),
		a.versionCmd(),
	)
	return root
}

// serveMetrics registers the collectors on a fresh registry and serves them on
// addr until the command returns.
func (a *app) serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	reg, m := metrics.NewRegistry()
	srv := metrics.NewServer(reg, log.WithComponent("metrics"))

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	a.metrics = m
	a.metricsLn = ln
	a.stopMetrics = func() error {
		cancel()
		return <-served
	}
	return nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func (a *app) versionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("render version JSON: %w", err)
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			fmt.Fprintf(a.stdout, "tributary %s\n", info.Version)
			fmt.Fprintf(a.stdout, "commit: %s\n", info.Commit)
			fmt.Fprintf(a.stdout, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
