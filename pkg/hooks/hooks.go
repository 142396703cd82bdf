// Package hooks runs external executables on skill lifecycle events so that
// operators can audit, notify or mirror what the engine loads and executes.
//
// A hook is an executable in one of the hook directories. Invoked with the
// argument "hook" it prints the event it subscribes to; invoked with "run" it
// receives the event payload as JSON on stdin.
package hooks

import (
	"sync"
	"time"
)

// HookType names the lifecycle event a hook subscribes to.
type HookType string

const (
	HookTypeSkillRegistered    HookType = "skill_registered"
	HookTypeSkillUnregistered  HookType = "skill_unregistered"
	HookTypeExecutionCompleted HookType = "execution_completed"
	HookTypeExecutionFailed    HookType = "execution_failed"
)

// Hook represents a discovered hook executable
type Hook struct {
	Name     string   // Filename of the executable
	Path     string   // Full path to the executable
	HookType HookType // Type returned by "hook" command
}

// HookManager discovers hooks and runs them. It observes a skills.Registry
// as both execution and registration listener; hooks run in the background
// and Wait blocks until they have finished.
type HookManager struct {
	hooks   map[HookType][]*Hook
	timeout time.Duration
	pending sync.WaitGroup
}

// DefaultTimeout is the default execution timeout for hooks
const DefaultTimeout = 10 * time.Second

// NewHookManager creates a HookManager with the hooks found by discovery.
func NewHookManager(opts ...DiscoveryOption) (*HookManager, error) {
	discovery, err := NewDiscovery(opts...)
	if err != nil {
		return nil, err
	}

	hooks, err := discovery.DiscoverHooks()
	if err != nil {
		return nil, err
	}

	return &HookManager{
		hooks:   hooks,
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout sets the execution timeout for hooks
func (m *HookManager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// HasHooks returns true if there are any hooks registered for the given type
func (m *HookManager) HasHooks(hookType HookType) bool {
	return len(m.hooks[hookType]) > 0
}

// GetHooks returns all hooks registered for the given type
func (m *HookManager) GetHooks(hookType HookType) []*Hook {
	return m.hooks[hookType]
}

// Count returns the number of discovered hooks.
func (m *HookManager) Count() int {
	n := 0
	for _, hooks := range m.hooks {
		n += len(hooks)
	}
	return n
}

// Wait blocks until every dispatched hook has finished.
func (m *HookManager) Wait() {
	m.pending.Wait()
}
