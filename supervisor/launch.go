package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/procwire/procwire/helper"
	"github.com/procwire/procwire/internal/fdutil"
)

// HelperPathEnv names the environment variable consulted for the helper
// binary when no explicit path is configured.
const HelperPathEnv = "PROCWIRE_HELPER"

// SessionEnv carries the manager session id into an exec'd helper's
// environment for log correlation.
const SessionEnv = "PROCWIRE_SESSION"

// helperFD is the fixed descriptor number at which an exec'd helper
// receives the control socket.
const helperFD = 3

// A Launcher starts the helper for one manager session and hands back the
// supervisor's end of the control channel. Wait blocks until the helper has
// fully exited and, for a helper process, been reaped.
type Launcher interface {
	Launch(log *zap.SugaredLogger, session string) (*net.UnixConn, error)
	Wait() error
}

// InProcess runs the helper loop as a goroutine over one end of a
// socketpair. The wire contract is unchanged; there is just no separate
// process interposed. This is the default launcher.
type InProcess struct {
	// Grace overrides the helper's shutdown grace period when positive.
	Grace time.Duration

	done chan error
}

func (l *InProcess) Launch(log *zap.SugaredLogger, session string) (*net.UnixConn, error) {
	a, b, err := fdutil.Pair()
	if err != nil {
		return nil, err
	}
	opts := []helper.Option{helper.WithLogger(log.Named("helper"))}
	if l.Grace > 0 {
		opts = append(opts, helper.WithGracePeriod(l.Grace))
	}
	l.done = make(chan error, 1)
	go func() {
		l.done <- helper.Serve(context.Background(), b, opts...)
	}()
	return a, nil
}

func (l *InProcess) Wait() error {
	return <-l.done
}

// Exec runs the helper binary as a direct child with the control socket at
// the fixed helper descriptor.
type Exec struct {
	// Path is the helper binary. Empty falls back to $PROCWIRE_HELPER and
	// then to "procwire-helper" on PATH.
	Path string
	// Grace overrides the helper's shutdown grace period when positive.
	Grace time.Duration

	cmd *exec.Cmd
}

func (l *Exec) Launch(log *zap.SugaredLogger, session string) (*net.UnixConn, error) {
	path := l.Path
	if path == "" {
		path = os.Getenv(HelperPathEnv)
	}
	if path == "" {
		p, err := exec.LookPath("procwire-helper")
		if err != nil {
			return nil, fmt.Errorf("locating helper binary: %w", err)
		}
		path = p
	}

	parent, child, err := fdutil.Socketpair()
	if err != nil {
		return nil, err
	}

	args := []string{"--control-fd", fmt.Sprint(helperFD)}
	if l.Grace > 0 {
		args = append(args, "--grace-period", l.Grace.String())
	}
	cmd := exec.Command(path, args...)
	cmd.ExtraFiles = []*os.File{child}
	// The helper's human-readable diagnostics go to the supervisor's own
	// stderr; everything structured crosses the control socket.
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), SessionEnv+"="+session)

	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("starting helper %q: %w", path, err)
	}
	child.Close()
	log.Debugf("helper started: pid %d path %s", cmd.Process.Pid, path)
	l.cmd = cmd
	return parent, nil
}

func (l *Exec) Wait() error {
	return l.cmd.Wait()
}
