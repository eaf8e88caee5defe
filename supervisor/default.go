package supervisor

import "sync"

// The process-wide default manager. There is at most one; it is created on
// first use and can be stopped and reused. Programs that care about teardown
// determinism should call Shutdown on their own exit path.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// SetDefault replaces the process-wide manager, returning the previous one
// (which the caller is responsible for stopping), or nil. It is a way to
// install a manager built with options before anything uses Default.
func SetDefault(m *Manager) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultManager
	defaultManager = m
	return prev
}

// Spawn spawns a process on the default manager, starting it if needed.
func Spawn(spec Spec) (*Proc, error) {
	return Default().Spawn(spec)
}

// Shutdown stops the default manager if one exists, blocking until every
// supervised process has a delivered terminal status.
func Shutdown() error {
	defaultMu.Lock()
	m := defaultManager
	defaultMu.Unlock()
	if m == nil {
		return nil
	}
	return m.Stop()
}
