package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/log"
)

// EnvEntry names the environment variable that selects a child's entry.
const EnvEntry = "TRIBUTARY_IPC_ENTRY"

// ExecSpawner starts each child by re-executing a binary that registered the
// requested entry. The child's stdin and stdout carry the channel; its stderr
// is passed through for logs.
type ExecSpawner struct {
	// Path is the binary to run. Empty means the current executable.
	Path string
	// Env is appended to the inherited environment.
	Env []string
	// Stderr receives the child's logs. Nil means os.Stderr.
	Stderr   io.Writer
	Endpoint EndpointOptions
}

// Spawn starts the child process. The entry must be registered in this
// process too, so a typo fails here instead of in the child.
func (s ExecSpawner) Spawn(spec SpawnSpec) (Child, error) {
	entry := spec.EntryName
	if entry == "" {
		entry = spec.Name
	}
	if !registered(entry) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entry)
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	// The parent writes to childIn's peer and reads from childOut's peer.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = parentOut.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// Don't use CommandContext - termination is managed by the dispatcher.
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, s.childEnv(entry)...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = errors.Join(childIn.Close(), childOut.Close(), parentIn.Close(), parentOut.Close())
		return nil, fmt.Errorf("start process: %w", err)
	}

	// The child holds its own copies now.
	_ = childIn.Close()
	_ = childOut.Close()

	c := &execChild{
		cmd:  cmd,
		end:  NewStreamEndpoint(spec.Name+".parent", parentIn, parentOut, s.Endpoint),
		done: make(chan struct{}),
	}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

func (s ExecSpawner) childEnv(entry string) []string {
	env := []string{EnvEntry + "=" + entry}
	if s.Endpoint.ReceivePoll > 0 {
		env = append(env, config.EnvPrefix+"_IPC_RECEIVE_POLL="+s.Endpoint.ReceivePoll.String())
	}
	if s.Endpoint.MaxMessageBytes > 0 {
		env = append(env, config.EnvPrefix+"_IPC_MAX_MESSAGE_BYTES="+strconv.Itoa(s.Endpoint.MaxMessageBytes))
	}
	return env
}

type execChild struct {
	cmd  *exec.Cmd
	end  Endpoint
	done chan struct{}
	err  error // set before done closes
}

func (c *execChild) Endpoint() Endpoint    { return c.end }
func (c *execChild) Pid() int              { return c.cmd.Process.Pid }
func (c *execChild) Done() <-chan struct{} { return c.done }
func (c *execChild) Err() error            { return c.err }

func (c *execChild) Signal(sig os.Signal) error {
	return signalProcess(c.cmd.Process, sig)
}

func (c *execChild) Kill() error {
	return signalProcess(c.cmd.Process, os.Kill)
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Init turns the current process into a child when it was started by
// ExecSpawner: it runs the selected entry over stdin/stdout and exits.
// It returns false, doing nothing, in any other process. Call it at the top
// of main (or TestMain) after every Register.
func Init() bool {
	entry := os.Getenv(EnvEntry)
	if entry == "" {
		return false
	}

	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "_CONFIG"))
	if err != nil {
		cfg = config.Defaults()
	}
	log.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := RunChild(ctx, entry, os.Stdin, os.Stdout, EndpointOptionsFromConfig(cfg.IPC))
	stop()
	os.Exit(code)
	return true
}

// RunChild runs the entry registered under name over r and w and returns the
// process exit code: 0 on a clean stop, 1 if the entry failed, 2 if it could
// not be started.
func RunChild(ctx context.Context, name string, r io.ReadCloser, w io.WriteCloser, opts EndpointOptions) int {
	logger := log.WithNode(name).With("pid", os.Getpid())

	factory, err := Lookup(name)
	if err != nil {
		logger.Error("cannot start child", "error", err)
		return 2
	}
	entry, err := factory.Create()
	if err != nil {
		logger.Error("cannot start child", "error", err)
		return 2
	}

	end := NewStreamEndpoint(name+".child", r, w, opts)
	defer end.Close()

	logger.Debug("child started")
	if err := entry(ctx, end); err != nil {
		logger.Error("child entry failed", "error", err)
		return 1
	}
	logger.Debug("child stopped")
	return 0
}
