//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// New creates a Poller (BSD, macOS)
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) apply(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 2)
	flags := func(on bool) int {
		if on {
			return unix.EV_ADD | unix.EV_ENABLE
		}
		return unix.EV_ADD | unix.EV_DISABLE
	}
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, flags(read))
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, flags(write))

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

func (p *KqueuePoller) Add(fd int, read, write bool) error {
	return p.apply(fd, read, write)
}

func (p *KqueuePoller) Modify(fd int, read, write bool) error {
	return p.apply(fd, read, write)
}

func (p *KqueuePoller) Remove(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *KqueuePoller) Wait(events []Event, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	limit := len(events)
	if limit > len(p.events) {
		limit = len(p.events)
	}
	n, err := unix.Kevent(p.kqfd, nil, p.events[:limit], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "kevent")
	}

	for i := 0; i < n; i++ {
		ke := p.events[i]
		events[i] = Event{
			Fd:       int(ke.Ident),
			Readable: ke.Filter == unix.EVFILT_READ,
			Writable: ke.Filter == unix.EVFILT_WRITE,
			Hangup:   ke.Flags&unix.EV_EOF != 0,
			Err:      ke.Flags&unix.EV_ERROR != 0,
		}
	}
	return n, nil
}

func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
