// Package poller wraps the platform readiness notification facility:
// epoll on Linux and kqueue on the BSDs and macOS. Registrations are
// level-triggered.
package poller

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event reports the readiness of one descriptor
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hangup is set when the peer closed its side.
	Hangup bool
	Err    bool
}

// Poller is the I/O multiplexing interface. It is used from a single
// event loop goroutine.
type Poller interface {
	// Add registers fd with the given interest.
	Add(fd int, read, write bool) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, read, write bool) error
	Remove(fd int) error
	// Wait fills events and returns how many are ready. timeoutMs < 0
	// blocks; an interrupted wait returns 0 events.
	Wait(events []Event, timeoutMs int) (int, error)
	Close() error
}

// SetNonblock puts fd in non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Waker lets other goroutines interrupt a blocked Wait. Its read end is
// registered with the poller like any other descriptor.
type Waker struct {
	r, w int
}

// NewWaker creates a non-blocking pipe pair
func NewWaker() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, errors.Wrap(err, "pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, errors.Wrap(err, "set nonblock")
		}
	}
	return &Waker{r: fds[0], w: fds[1]}, nil
}

// Fd is the descriptor to register for reading.
func (w *Waker) Fd() int { return w.r }

// Wake makes the read end readable. A full pipe already is.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Drain consumes pending wake-ups.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *Waker) Close() error {
	err := unix.Close(w.w)
	if rerr := unix.Close(w.r); err == nil {
		err = rerr
	}
	return err
}
