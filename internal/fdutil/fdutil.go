// Package fdutil provides the descriptor plumbing shared by the supervisor
// and the helper: socketpair construction and descriptor hygiene.
package fdutil

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Socketpair returns a connected AF_UNIX stream pair: the parent end wrapped
// as a *net.UnixConn, and the child end as a raw *os.File suitable for
// handing to an exec'd helper at a fixed descriptor number.
func Socketpair() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	parent, err := fileConn(fds[0], "control")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	child := os.NewFile(uintptr(fds[1]), "control-child")
	return parent, child, nil
}

// Pair returns both ends of a connected AF_UNIX stream pair as conns, for
// running the helper loop in-process over a real socket.
func Pair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "control")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "control-peer")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping socketpair end: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("socketpair end is %T, not a unix conn", c)
	}
	return uc, nil
}

// CloseFrom closes every open descriptor numbered min or higher. It prefers
// enumerating /proc/self/fd and falls back to scanning the full descriptor
// limit when that listing is unavailable. Errors closing individual
// descriptors are ignored.
func CloseFrom(min int) {
	fds, err := openFDs(min)
	if err != nil {
		closeRange(min)
		return
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// openFDs lists this process's open descriptors numbered min or higher via
// the procfs descriptor listing.
func openFDs(min int) ([]int, error) {
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, ent := range ents {
		fd, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		if fd >= min {
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

func closeRange(min int) {
	var lim unix.Rlimit
	max := 65536
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && int(lim.Cur) > 0 {
		max = int(lim.Cur)
	}
	for fd := min; fd < max; fd++ {
		unix.Close(fd)
	}
}
