/*
Package helper implements the process-management side of the control channel:
it decodes spawn and signal requests off an AF_UNIX socket, creates the
requested children, and streams every lifecycle and output event back to the
supervisor as status frames.

The loop runs the same way in a dedicated helper process (see
cmd/procwire-helper) or folded into the supervisor as a goroutine over one
end of a socketpair; the wire contract is identical either way.

When the supervisor shuts the write half of the channel, the helper sends
SIGTERM to every child still running, arms a single grace timer, SIGKILLs the
survivors when it expires, keeps emitting statuses until every child has been
reaped, and then closes its own write half and returns.

A server configured with WithShutdownSignals treats those signals like
end-of-stream, and the escalation opens with the signal that was received
instead of SIGTERM.
*/
package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/procwire/procwire/wire"
)

// DefaultGracePeriod is the delay between the graceful and forceful signals
// of the shutdown escalation.
const DefaultGracePeriod = 5 * time.Second

// Server runs the helper loop on one control connection.
type Server struct {
	log          *zap.SugaredLogger
	grace        time.Duration
	shutdownSigs []os.Signal

	conn *net.UnixConn
	wmu  sync.Mutex

	mu       sync.Mutex
	children map[uint32]*child
	wg       sync.WaitGroup

	// The escalation's opening signal. SIGTERM unless a shutdown signal
	// arrived, in which case it is that signal.
	termSig atomic.Int32

	// Set when a shutdown signal, not the socket itself, ended the read
	// loop; the resulting read error is expected, not reported.
	sigStop atomic.Bool

	// Set on the first control-socket write error. Children keep running
	// and their output and wait statuses are drained and discarded.
	writeBroken atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithGracePeriod sets the delay between SIGTERM and SIGKILL during the
// shutdown escalation.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) {
		s.grace = d
	}
}

// WithShutdownSignals makes the server treat receipt of any of sigs like
// end-of-stream on the control channel. The received signal becomes the
// first one sent during the escalation.
func WithShutdownSignals(sigs ...os.Signal) Option {
	return func(s *Server) {
		s.shutdownSigs = sigs
	}
}

// Serve runs the helper loop on conn until the supervisor shuts the write
// half and every child has been reaped. Canceling ctx is equivalent to
// receiving end-of-stream: the loop stops accepting requests and runs the
// termination escalation.
func Serve(ctx context.Context, conn *net.UnixConn, opts ...Option) error {
	s := &Server{
		log:      zap.NewNop().Sugar(),
		grace:    DefaultGracePeriod,
		conn:     conn,
		children: make(map[uint32]*child),
	}
	for _, o := range opts {
		o(s)
	}
	s.termSig.Store(int32(syscall.SIGTERM))
	return s.run(ctx)
}

func (s *Server) run(ctx context.Context) error {
	readDone := make(chan struct{})
	defer close(readDone)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				// Unblock the read loop; the escalation path below
				// takes over.
				s.conn.CloseRead()
			case <-readDone:
			}
		}()
	}
	if len(s.shutdownSigs) > 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, s.shutdownSigs...)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				if ssig, ok := sig.(syscall.Signal); ok {
					s.termSig.Store(int32(ssig))
				}
				s.sigStop.Store(true)
				s.conn.CloseRead()
			case <-readDone:
			}
		}()
	}

	var readErr error
	for {
		f, fds, err := wire.ReadFrameUnix(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !s.sigStop.Load() {
				s.log.Warnf("control socket read failed: %s", err)
				readErr = err
			}
			break
		}
		s.handleRequest(f, fds)
	}

	s.escalate()
	s.conn.CloseWrite()
	return multierr.Append(readErr, s.conn.Close())
}

func (s *Server) handleRequest(f wire.Frame, fds []int) {
	switch f.Kind {
	case wire.KindRequestSpawn:
		s.handleSpawn(f, fds)
	case wire.KindRequestSignal:
		closeAll(fds)
		s.handleSignal(f)
	default:
		closeAll(fds)
		s.selfReport(fmt.Sprintf("unexpected request kind %s for tag %d", f.Kind, f.Tag))
	}
}

func (s *Server) handleSignal(f wire.Frame) {
	s.mu.Lock()
	c := s.children[f.Tag]
	s.mu.Unlock()
	if c == nil {
		s.log.Debugf("signal %d for unknown or finished tag %d, dropping", f.Value, f.Tag)
		return
	}
	sig := syscall.Signal(f.Value)
	if err := c.cmd.Process.Signal(sig); err != nil {
		s.log.Debugf("signaling tag %d (pid %d) with %s: %s", f.Tag, c.cmd.Process.Pid, sig, err)
	}
}

// escalate drives every remaining child to termination: the graceful signal
// (SIGTERM, or the shutdown signal that was received), one grace timer,
// SIGKILL for survivors, then wait for all reapers to finish.
func (s *Server) escalate() {
	first := syscall.Signal(s.termSig.Load())
	n := s.signalAll(first)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if n > 0 {
		s.log.Debugf("sent %s to %d remaining processes, grace period %s", first, n, s.grace)
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			killed := s.signalAll(syscall.SIGKILL)
			s.log.Debugf("grace period expired, sent SIGKILL to %d survivors", killed)
		}
	}
	<-done
}

func (s *Server) signalAll(sig syscall.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if err := c.cmd.Process.Signal(sig); err != nil {
			s.log.Debugf("signaling pid %d with %s: %s", c.cmd.Process.Pid, sig, err)
		}
	}
	return len(s.children)
}

// status emits one frame on the control socket. All writers funnel through
// here; after the first write error the socket is considered broken and
// further statuses are discarded without disturbing running children.
func (s *Server) status(tag uint32, kind wire.Kind, value int32, payload []byte) {
	if s.writeBroken.Load() {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeBroken.Load() {
		return
	}
	err := wire.Encode(s.conn, wire.Frame{Tag: tag, Kind: kind, Value: value, Payload: payload})
	if err != nil {
		s.writeBroken.Store(true)
		s.log.Warnf("control socket write failed, discarding further status: %s", err)
	}
}

// selfReport describes a helper-level problem under the reserved tag.
func (s *Server) selfReport(msg string) {
	s.log.Warnf("self-report: %s", msg)
	s.status(wire.HelperTag, wire.KindMalformed, 0, []byte(msg))
}

func closeAll(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}
