package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procwire/procwire/helper"
	"github.com/procwire/procwire/wire"
)

// DefaultGracePeriod is the shutdown escalation grace period applied when no
// override is configured.
const DefaultGracePeriod = helper.DefaultGracePeriod

// ErrStopping is returned by Start (and by Spawn's lazy start) while a stop
// is in flight. Starting a stopping manager is a programming error, not a
// request to queue.
var ErrStopping = errors.New("manager is stopping")

type managerState int

const (
	stateUninitialized managerState = iota
	stateRunning
	stateStopping
)

// Manager is the lifecycle state machine owning the control channel, the
// helper, the dispatch loop, and the tag table. All methods are safe for
// concurrent use.
type Manager struct {
	log      *zap.SugaredLogger
	launcher Launcher
	grace    time.Duration
	session  string

	table *table

	// wmu serializes writes to the control channel across spawners and
	// signalers.
	wmu sync.Mutex

	mu           sync.Mutex
	state        managerState
	conn         *net.UnixConn
	dispatchDone chan struct{}
	stopDone     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l.Sugar()
	}
}

// WithLauncher replaces how the helper is run.
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) {
		m.launcher = l
	}
}

// WithHelperPath runs the helper binary at path as a child process instead
// of the default in-process loop.
func WithHelperPath(path string) ManagerOption {
	return func(m *Manager) {
		m.launcher = &Exec{Path: path}
	}
}

// WithGracePeriod sets the delay between the graceful and forceful signals
// of the shutdown escalation.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.grace = d
	}
}

// NewManager constructs a Manager. It does not start anything; the manager
// starts on the first Spawn or an explicit Start.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     zap.NewNop().Sugar(),
		grace:   DefaultGracePeriod,
		session: uuid.NewString(),
		table:   newTable(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("session", m.session)
	if m.launcher == nil {
		m.launcher = &InProcess{}
	}
	// Launchers without an explicit grace override inherit the manager's.
	switch l := m.launcher.(type) {
	case *InProcess:
		if l.Grace == 0 {
			l.Grace = m.grace
		}
	case *Exec:
		if l.Grace == 0 {
			l.Grace = m.grace
		}
	}
	return m
}

// Session returns the id identifying this manager instance in logs and in
// the helper's environment.
func (m *Manager) Session() string { return m.session }

// Start establishes the control channel, launches the helper, and starts
// the dispatch loop. Starting a running manager is a no-op; starting a
// stopping one returns ErrStopping. A failed start leaves no partial state.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	switch m.state {
	case stateRunning:
		return nil
	case stateStopping:
		return ErrStopping
	}
	conn, err := m.launcher.Launch(m.log, m.session)
	if err != nil {
		return fmt.Errorf("launching helper: %w", err)
	}
	m.conn = conn
	m.dispatchDone = make(chan struct{})
	d := &dispatcher{
		log:   m.log.Named("dispatch"),
		r:     bufio.NewReader(conn),
		table: m.table,
		done:  m.dispatchDone,
	}
	go d.run()
	m.state = stateRunning
	m.log.Debugf("manager started")
	return nil
}

// Spawn sends a spawn request for spec and returns its handle. The manager
// is started lazily if needed. Failures detected before the request is
// registered are returned synchronously; everything after arrives through
// the handle's sink.
func (m *Manager) Spawn(spec Spec) (*Proc, error) {
	return m.SpawnWithSink(spec, nil)
}

// SpawnWithSink is Spawn with a caller-supplied sink receiving the process's
// statuses instead of the default queue.
func (m *Manager) SpawnWithSink(spec Spec, sink Sink) (*Proc, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.startLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conn := m.conn
	m.mu.Unlock()

	p := &Proc{spec: spec, m: m}
	if sink == nil {
		p.queue = NewQueue()
		p.sink = p.queue
	} else {
		p.sink = sink
	}
	tag := m.table.add(p)

	frame, files, err := encodeSpawn(tag, spec)
	if err != nil {
		m.table.retire(tag)
		p.DiscardStatuses()
		return nil, err
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}

	m.wmu.Lock()
	err = wire.WriteFrameUnix(conn, frame, fds)
	m.wmu.Unlock()
	if err != nil {
		m.table.retire(tag)
		p.DiscardStatuses()
		return nil, fmt.Errorf("sending spawn request: %w", err)
	}
	m.log.Debugf("spawn requested: tag %d exe %s", tag, spec.executable())
	return p, nil
}

// signal forwards sig to p via the helper.
func (m *Manager) signal(p *Proc, sig syscall.Signal) error {
	m.mu.Lock()
	conn := m.conn
	running := m.state == stateRunning
	m.mu.Unlock()
	if !running || conn == nil {
		return errors.New("manager is not running")
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return wire.Encode(conn, wire.Frame{Tag: p.tag, Kind: wire.KindRequestSignal, Value: int32(sig)})
}

// Stop shuts the write half of the control channel, which tells the helper
// to stop accepting spawns and drive every remaining child through the
// termination escalation, then blocks until the dispatch loop has delivered
// every process's terminal status and the helper has been reaped. Stopping
// an uninitialized manager is a no-op; a concurrent Stop waits for the one
// in flight. Helper exit problems are logged, not returned: stop is
// unconditionally completable.
func (m *Manager) Stop() error {
	m.mu.Lock()
	switch m.state {
	case stateUninitialized:
		m.mu.Unlock()
		return nil
	case stateStopping:
		done := m.stopDone
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	m.state = stateStopping
	m.stopDone = make(chan struct{})
	conn := m.conn
	dispatchDone := m.dispatchDone
	stopDone := m.stopDone
	m.mu.Unlock()

	m.log.Debugf("stopping: closing control channel write half")
	if err := conn.CloseWrite(); err != nil {
		m.log.Warnf("closing control channel write half: %s", err)
	}

	// The dispatch loop exits only at channel end-of-stream, after the
	// helper has emitted (or the loop has synthesized) a terminal status
	// and end-of-status for every registered process.
	<-dispatchDone

	if err := m.launcher.Wait(); err != nil {
		m.log.Warnf("helper exited uncleanly: %s", err)
	}
	conn.Close()

	m.mu.Lock()
	m.state = stateUninitialized
	m.conn = nil
	m.dispatchDone = nil
	m.stopDone = nil
	m.mu.Unlock()
	close(stopDone)

	m.log.Debugf("manager stopped")
	return nil
}
