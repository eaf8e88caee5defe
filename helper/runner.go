package helper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/procwire/procwire/wire"
)

const pumpBufSize = 32 * 1024

// child is one supervised process: the running command plus the pipes being
// forwarded as output frames.
type child struct {
	tag   uint32
	cmd   *exec.Cmd
	pumps sync.WaitGroup
	outs  []outPipe
}

type outPipe struct {
	r      *os.File
	stream int32
}

func (s *Server) handleSpawn(f wire.Frame, fds []int) {
	tag := f.Tag
	if tag == wire.HelperTag {
		closeAll(fds)
		s.selfReport("spawn request with reserved tag 0")
		return
	}
	req, err := wire.DecodeSpawn(f)
	if err != nil {
		closeAll(fds)
		s.spawnFailed(tag, syscall.EINVAL, err.Error())
		return
	}
	if int(f.Value) != len(fds) {
		closeAll(fds)
		s.spawnFailed(tag, syscall.EINVAL,
			fmt.Sprintf("spawn request announced %d descriptors but %d arrived", f.Value, len(fds)))
		return
	}
	s.mu.Lock()
	_, inUse := s.children[tag]
	s.mu.Unlock()
	if inUse {
		// The live tag's status stream must not be corrupted with a second
		// terminal, so this is reported as a helper-level problem instead.
		closeAll(fds)
		s.selfReport(fmt.Sprintf("spawn request reuses live tag %d", tag))
		return
	}

	c, err := s.startChild(tag, req, fds)
	if err != nil {
		s.spawnFailed(tag, errnoOf(err), err.Error())
		return
	}

	s.mu.Lock()
	s.children[tag] = c
	s.mu.Unlock()

	s.status(tag, wire.KindStarted, int32(c.cmd.Process.Pid), nil)
	s.log.Debugf("spawned tag %d: pid %d exe %s", tag, c.cmd.Process.Pid, c.cmd.Path)

	c.pumps.Add(len(c.outs))
	for _, o := range c.outs {
		go s.pump(c, o)
	}
	s.wg.Add(1)
	go s.reap(c)
}

// spawnFailed reports a process that never came to life: the spawn error is
// its terminal status, immediately sealed with end-of-status.
func (s *Server) spawnFailed(tag uint32, errno syscall.Errno, msg string) {
	s.log.Debugf("spawn failed for tag %d: %s", tag, msg)
	s.status(tag, wire.KindSpawnError, int32(errno), []byte(msg))
	s.status(tag, wire.KindEndOfStatus, 0, nil)
}

// startChild wires the requested stream dispositions and starts the process.
// The attached descriptors are owned by this call: the helper's copies are
// closed on every path once the child either holds its own duplicates or the
// spawn has failed.
func (s *Server) startChild(tag uint32, req wire.SpawnRequest, fds []int) (_ *child, err error) {
	attached := make([]*os.File, len(fds))
	for i, fd := range fds {
		attached[i] = os.NewFile(uintptr(fd), "spawn-fd")
	}
	defer func() {
		for _, f := range attached {
			f.Close()
		}
	}()

	exe := req.Exe
	if !strings.Contains(exe, "/") {
		exe, err = exec.LookPath(exe)
		if err != nil {
			return nil, err
		}
	}
	argv := req.Argv
	if len(argv) == 0 {
		argv = []string{req.Exe}
	}
	cmd := &exec.Cmd{Path: exe, Args: argv, Dir: req.Dir}
	switch {
	case !req.InheritEnv:
		cmd.Env = req.Env
		if cmd.Env == nil {
			cmd.Env = []string{}
		}
	case len(req.Env) > 0:
		cmd.Env = append(os.Environ(), req.Env...)
	}

	c := &child{tag: tag, cmd: cmd}
	var parentEnds []*os.File
	defer func() {
		// Pipe write ends belong to the child after a successful start; the
		// helper's copies must go either way so the read ends see EOF.
		for _, f := range parentEnds {
			f.Close()
		}
		if err != nil {
			for _, o := range c.outs {
				o.r.Close()
			}
		}
	}()

	switch req.Stdin {
	case wire.DispDefault, wire.DispDiscard:
		// os/exec connects /dev/null for a nil stdin.
	case wire.DispInherit:
		cmd.Stdin = os.Stdin
	default:
		f, err := attachedFD(attached, req.Stdin)
		if err != nil {
			return nil, err
		}
		cmd.Stdin = f
	}

	setupOut := func(code uint8, stream int32, inherited *os.File, assign func(io.Writer)) error {
		switch code {
		case wire.DispDefault:
			pr, pw, err := os.Pipe()
			if err != nil {
				return fmt.Errorf("creating output pipe: %w", err)
			}
			assign(pw)
			parentEnds = append(parentEnds, pw)
			c.outs = append(c.outs, outPipe{r: pr, stream: stream})
		case wire.DispDiscard:
			// nil writer: os/exec connects /dev/null.
		case wire.DispInherit:
			assign(inherited)
		default:
			f, err := attachedFD(attached, code)
			if err != nil {
				return err
			}
			assign(f)
		}
		return nil
	}
	if err = setupOut(req.Stdout, wire.StreamStdout, os.Stdout, func(w io.Writer) { cmd.Stdout = w }); err != nil {
		return nil, err
	}
	if err = setupOut(req.Stderr, wire.StreamStderr, os.Stderr, func(w io.Writer) { cmd.Stderr = w }); err != nil {
		return nil, err
	}

	if err = cmd.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

func attachedFD(attached []*os.File, code uint8) (*os.File, error) {
	i := int(code) - 1
	if i < 0 || i >= len(attached) {
		return nil, fmt.Errorf("disposition %d references attached descriptor %d but only %d arrived: %w",
			code, i, len(attached), syscall.EINVAL)
	}
	return attached[i], nil
}

// pump forwards one captured stream as output frames, one read per frame
// with no reblocking, and seals the stream when it reaches EOF.
func (s *Server) pump(c *child, o outPipe) {
	defer c.pumps.Done()
	defer o.r.Close()
	buf := make([]byte, pumpBufSize)
	for {
		n, err := o.r.Read(buf)
		if n > 0 {
			s.status(c.tag, wire.KindOutput, o.stream, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("reading output of tag %d stream %d: %s", c.tag, o.stream, err)
			}
			break
		}
	}
	s.status(c.tag, wire.KindOutputClosed, o.stream, nil)
}

// reap waits for the child and emits its terminal status. The pumps must
// drain first so the terminal frame trails every output chunk for this tag.
func (s *Server) reap(c *child) {
	defer s.wg.Done()
	c.pumps.Wait()
	if err := c.cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			s.log.Debugf("unexpected wait error for tag %d: %s", c.tag, err)
		}
	}
	kind, value := waitResult(c.cmd.ProcessState)

	s.mu.Lock()
	delete(s.children, c.tag)
	s.mu.Unlock()

	s.status(c.tag, kind, value, nil)
	s.status(c.tag, wire.KindEndOfStatus, 0, nil)
	s.log.Debugf("tag %d pid %d: %s value=%d", c.tag, c.cmd.Process.Pid, kind, value)
}

func waitResult(ps *os.ProcessState) (wire.Kind, int32) {
	if ps == nil {
		// Wait failed before producing a state.
		return wire.KindExited, -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return wire.KindSignaled, int32(ws.Signal())
		}
		if ws.Exited() {
			return wire.KindExited, int32(ws.ExitStatus())
		}
	}
	return wire.KindExited, int32(ps.ExitCode())
}

// errnoOf recovers the OS error code from a spawn failure for the value
// field of the spawn-error frame.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, exec.ErrNotFound) {
		return syscall.ENOENT
	}
	return syscall.EIO
}
