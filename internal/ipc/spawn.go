package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

//go:generate mockgen -destination=mocks/mock_child.go -package=mocks github.com/mattjoyce/tributary/internal/ipc Child

// Child is the parent's handle on a running child.
type Child interface {
	// Endpoint returns the parent end of the channel.
	Endpoint() Endpoint
	// Pid returns the OS process id, or 0 for a child without its own process.
	Pid() int
	// Done is closed once the child has terminated.
	Done() <-chan struct{}
	// Err returns the child's exit error after Done is closed.
	Err() error
	// Signal asks the child to terminate.
	Signal(sig os.Signal) error
	// Kill terminates the child without waiting for it to cooperate.
	Kill() error
}

// SpawnSpec describes the child to start.
type SpawnSpec struct {
	// Name identifies the owning node in logs and metrics.
	Name string
	// EntryName selects a registered factory in a re-executed child.
	EntryName string
	// Entry is the resolved entry function, for spawners that run it directly.
	Entry EntryFunc
}

// Spawner starts children.
type Spawner interface {
	Spawn(spec SpawnSpec) (Child, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(spec SpawnSpec) (Child, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(spec SpawnSpec) (Child, error) { return f(spec) }

// LocalSpawner runs each entry on its own goroutine over an in-memory pipe.
type LocalSpawner struct {
	Endpoint EndpointOptions
}

// Spawn starts spec.Entry on a goroutine.
func (s LocalSpawner) Spawn(spec SpawnSpec) (Child, error) {
	if spec.Entry == nil {
		return nil, fmt.Errorf("local spawn %s: %w", spec.Name, ErrNotImplemented)
	}

	parent, childEnd := Pipe(spec.Name, s.Endpoint)
	ctx, cancel := context.WithCancel(context.Background())
	c := &localChild{
		end:      parent,
		childEnd: childEnd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		err := spec.Entry(ctx, childEnd)
		_ = childEnd.Close()
		c.finish(err)
	}()
	return c, nil
}

type localChild struct {
	end      Endpoint
	childEnd Endpoint
	cancel   context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func (c *localChild) finish(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
	})
}

func (c *localChild) Endpoint() Endpoint    { return c.end }
func (c *localChild) Pid() int              { return 0 }
func (c *localChild) Done() <-chan struct{} { return c.done }
func (c *localChild) Err() error            { return c.err }

// Signal cancels the entry's context.
func (c *localChild) Signal(os.Signal) error {
	c.cancel()
	return nil
}

// Kill cancels the entry, closes its channel end and stops waiting for it.
// A goroutine cannot be killed, so an entry that ignores both is abandoned.
func (c *localChild) Kill() error {
	c.cancel()
	_ = c.childEnd.Close()
	c.finish(ErrKilled)
	return nil
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]EntryFactory)
)

// Register makes a factory available to re-executed children under name.
// It panics if name is empty, the factory is nil, or name is taken.
func Register(name string, factory EntryFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" {
		panic("ipc: Register with empty name")
	}
	if factory == nil {
		panic("ipc: Register factory is nil for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("ipc: Register called twice for " + name)
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (EntryFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return f, nil
}

func registered(name string) bool {
	_, err := Lookup(name)
	return !errors.Is(err, ErrUnknownEntry)
}
