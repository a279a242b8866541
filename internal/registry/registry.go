// Package registry accumulates trait implementor fragments for a consumer that
// may not be ready yet.
//
// A Context starts Uninitialized. Fragments registered in that state are
// buffered in arrival order. Initialize installs the consumer hook, moves the
// context to Initialized and hands every buffered fragment to the hook; from
// then on Register delivers directly. Each fragment reaches the hook at most
// once, whichever side of the transition it lands on.
package registry

import (
	"errors"
	"sync"
)

// ErrAlreadyInitialized is returned by Initialize when the consumer hook has
// already been installed.
var ErrAlreadyInitialized = errors.New("registry: already initialized")

// State is the lifecycle state of a Context.
type State int

const (
	Uninitialized State = iota
	Initialized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// initialize is the only state transition. Initialized has no way out.
func (s State) initialize() (State, error) {
	if s != Uninitialized {
		return s, ErrAlreadyInitialized
	}
	return Initialized, nil
}

// Hook receives a delivered fragment. It may be called from several
// goroutines at once.
type Hook func(Fragment)

// Context holds the consumer hook and the pending buffer for one index
// lifetime.
type Context struct {
	mu      sync.Mutex
	state   State
	hook    Hook
	pending []Fragment

	// draining is set while Initialize hands the buffer to the hook.
	draining bool
}

func New() *Context {
	return &Context{}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register delivers f to the consumer hook if it is installed, otherwise
// buffers it until Initialize runs. While Initialize is still draining the
// buffer, f queues behind it so it cannot overtake an older fragment.
func (c *Context) Register(f Fragment) {
	c.mu.Lock()
	if c.state == Uninitialized || c.draining {
		c.pending = append(c.pending, f)
		c.mu.Unlock()
		return
	}
	hook := c.hook
	c.mu.Unlock()

	hook(f)
}

// Initialize installs hook and delivers every buffered fragment to it in
// arrival order, including ones registered while the drain is running. Direct
// delivery starts only once the buffer is empty. It returns the number of
// drained fragments.
func (c *Context) Initialize(hook Hook) (int, error) {
	if hook == nil {
		return 0, errors.New("registry: nil hook")
	}

	c.mu.Lock()
	next, err := c.state.initialize()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.state = next
	c.hook = hook
	c.draining = true

	drained := 0
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, f := range batch {
			hook(f)
		}
		drained += len(batch)

		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
	return drained, nil
}

// DrainPending removes and returns every buffered fragment. A consumer that
// collects buffered fragments itself calls this instead of Initialize.
func (c *Context) DrainPending() []Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}

// Pending returns the number of buffered fragments.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingTraits returns the trait paths of the buffered fragments in arrival
// order.
func (c *Context) PendingTraits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	traits := make([]string, len(c.pending))
	for i, f := range c.pending {
		traits[i] = f.Trait
	}
	return traits
}
