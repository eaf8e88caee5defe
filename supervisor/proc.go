package supervisor

import (
	"sync"
	"syscall"
)

// ProcState is a process handle's lifecycle state.
type ProcState int

const (
	// StatePending means the spawn request has been sent but the helper has
	// not yet confirmed the process exists.
	StatePending ProcState = iota
	// StateRunning means the helper reported a successful spawn.
	StateRunning
	// StateTerminated means the terminal status has been delivered.
	StateTerminated
)

func (s ProcState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Proc is the handle for one supervised process. The Manager owns the
// tag-to-handle mapping; the caller owns consumption of the sink.
type Proc struct {
	tag  uint32
	spec Spec
	m    *Manager

	sink  Sink
	queue *Queue

	mu    sync.Mutex
	pid   int
	state ProcState
}

// Tag returns the correlation tag identifying this process on the wire.
func (p *Proc) Tag() uint32 { return p.tag }

// Spec returns the spec the process was spawned from.
func (p *Proc) Spec() Spec { return p.spec }

// PID returns the OS process id. It reports false until the helper has
// confirmed the spawn.
func (p *Proc) PID() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.state != StatePending
}

// State returns the handle's lifecycle state.
func (p *Proc) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Statuses returns the default sink's channel. It returns nil when the
// process was spawned with a caller-supplied sink.
func (p *Proc) Statuses() <-chan Status {
	if p.queue == nil {
		return nil
	}
	return p.queue.Messages()
}

// DiscardStatuses abandons the default sink: buffered statuses are dropped
// and the Statuses channel closes. The process itself is unaffected. No-op
// for a caller-supplied sink.
func (p *Proc) DiscardStatuses() {
	if p.queue != nil {
		p.queue.Close()
	}
}

// Signal forwards sig to the process via the helper.
func (p *Proc) Signal(sig syscall.Signal) error {
	return p.m.signal(p, sig)
}

// setStarted records the helper's spawn confirmation. Dispatch-loop only.
func (p *Proc) setStarted(pid int) {
	p.mu.Lock()
	if p.state == StatePending {
		p.pid = pid
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// deliver appends one status to the sink, transitioning the handle to
// terminated first when the status is terminal. Dispatch-loop only.
func (p *Proc) deliver(st Status) {
	if st.Terminal() {
		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()
	}
	p.sink.Put(st)
}
