//go:build linux

package opengse

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type epoller struct {
	epfd int
	// eventfd used by wake.
	wfd  int
	raw  []unix.EpollEvent
	wbuf [8]byte
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add eventfd")
	}
	p := &epoller{epfd: epfd, wfd: wfd}
	binary.LittleEndian.PutUint64(p.wbuf[:], 1)
	return p, nil
}

func epollBits(ev Interest) uint32 {
	bits := uint32(unix.EPOLLONESHOT)
	if ev&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (p *epoller) add(fd int, ev Interest) error {
	e := unix.EpollEvent{Events: epollBits(ev), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &e), "epoll ctl add fd=%d", fd)
}

func (p *epoller) rearm(fd int, ev Interest) error {
	e := unix.EpollEvent{Events: epollBits(ev), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &e), "epoll ctl mod fd=%d", fd)
}

func (p *epoller) remove(fd int) error {
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil), "epoll ctl del fd=%d", fd)
}

func (p *epoller) wait(events []pollEvent, msec int) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}
	j := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wfd {
			var b [8]byte
			_, _ = unix.Read(p.wfd, b[:])
			continue
		}
		var ev Interest
		bits := raw[i].Events
		if bits&unix.EPOLLIN != 0 {
			ev |= EventRead
		}
		if bits&unix.EPOLLOUT != 0 {
			ev |= EventWrite
		}
		if bits&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev |= EventError
		}
		events[j] = pollEvent{fd: fd, ev: ev}
		j++
	}
	return j, nil
}

func (p *epoller) wake() error {
	_, err := unix.Write(p.wfd, p.wbuf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return errors.Wrap(err, "eventfd write")
}

func (p *epoller) close() error {
	_ = unix.Close(p.wfd)
	return errors.Wrap(unix.Close(p.epfd), "epoll close")
}
