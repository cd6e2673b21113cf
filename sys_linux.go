//go:build linux

package opengse

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func sysRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func sysWrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func sysClose(fd int) error {
	return unix.Close(fd)
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// sysWaitWritable blocks until fd accepts more bytes or msec elapses.
func sysWaitWritable(fd int, msec int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "poll fd=%d", fd)
		}
		if n == 0 {
			return ErrWriteTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLOUT == 0 {
			return ErrConnClosed
		}
		return nil
	}
}

// sysTakeFd duplicates the descriptor behind rc into non-blocking mode so the
// reactor can own it after the original net.Conn is closed.
func sysTakeFd(rc syscall.RawConn) (int, error) {
	nfd := -1
	var derr error
	err := rc.Control(func(fd uintptr) {
		nfd, derr = unix.Dup(int(fd))
	})
	if err == nil {
		err = derr
	}
	if err != nil {
		return -1, errors.Wrap(err, "dup socket")
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	return nfd, nil
}
