//go:build linux

package poller

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates a Poller (Linux)
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func interest(read, write bool) uint32 {
	var ev uint32
	if read {
		// EPOLLRDHUP reports peer shutdown
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *EpollPoller) Add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *EpollPoller) Modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	limit := len(events)
	if limit > len(p.events) {
		limit = len(p.events)
	}
	n, err := unix.EpollWait(p.epfd, p.events[:limit], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}

	for i := 0; i < n; i++ {
		raw := p.events[i].Events
		events[i] = Event{
			Fd:       int(p.events[i].Fd),
			Readable: raw&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw&unix.EPOLLOUT != 0,
			Hangup:   raw&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      raw&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
