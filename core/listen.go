package core

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/tcplisten"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/poller"
)

// Network families accepted by ParseAddress
const (
	NetworkIPv4 = "tcp4"
	NetworkIPv6 = "tcp6"
	NetworkUnix = "unix"
)

// Address is a parsed listen address
type Address struct {
	Network string
	Addr    string
}

func (a Address) String() string {
	switch a.Network {
	case NetworkIPv6:
		return "ipv6:" + a.Addr
	case NetworkUnix:
		return "unix:" + a.Addr
	}
	return "ipv4:" + a.Addr
}

// ParseAddress parses "ipv4:host:port", "ipv6:[host]:port" or
// "unix:/path". Unprefixed addresses are ipv4.
func ParseAddress(s string) (Address, error) {
	network := NetworkIPv4
	rest := s
	switch {
	case strings.HasPrefix(s, "ipv4:"):
		rest = s[len("ipv4:"):]
	case strings.HasPrefix(s, "ipv6:"):
		network, rest = NetworkIPv6, s[len("ipv6:"):]
	case strings.HasPrefix(s, "unix:"):
		network, rest = NetworkUnix, s[len("unix:"):]
	}

	if network == NetworkUnix {
		if rest == "" {
			return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: empty socket path", s)
		}
		return Address{Network: network, Addr: rest}, nil
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: %v", s, err)
	}
	if port == "" {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: missing port", s)
	}
	if host != "" {
		ip := net.ParseIP(host)
		switch {
		case ip == nil && host != "localhost":
			return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: invalid host", s)
		case ip != nil && network == NetworkIPv4 && ip.To4() == nil:
			return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: not an ipv4 address", s)
		case ip != nil && network == NetworkIPv6 && ip.To4() != nil && !strings.Contains(host, ":"):
			return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: not an ipv6 address", s)
		}
	}
	return Address{Network: network, Addr: net.JoinHostPort(host, port)}, nil
}

// Listener is a non-blocking listening socket owned by one engine
type Listener struct {
	addr Address
	ln   net.Listener
	file *os.File
	fd   int
}

// ListenOptions tunes TCP listeners
type ListenOptions struct {
	// DeferAccept delays accept until the client sent data.
	DeferAccept bool `config:"defer_accept"`
	// FastOpen enables TCP fast open.
	FastOpen bool `config:"fast_open"`
	Backlog  int  `config:"backlog"`
}

// Listen opens a listener for addr. TCP listeners use SO_REUSEPORT so
// every engine can hold its own socket on the same address and the kernel
// spreads connections across them.
func Listen(addr Address, opts ListenOptions) (*Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch addr.Network {
	case NetworkUnix:
		ln, err = net.Listen("unix", addr.Addr)
	default:
		cfg := tcplisten.Config{
			ReusePort:   true,
			DeferAccept: opts.DeferAccept,
			FastOpen:    opts.FastOpen,
			Backlog:     opts.Backlog,
		}
		ln, err = cfg.NewListener(addr.Network, addr.Addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return fromListener(addr, ln)
}

// Share returns a listener on a duplicate of the same socket, for
// networks that cannot reuse the address.
func (l *Listener) Share() (*Listener, error) {
	fd, err := unix.Dup(l.fd)
	if err != nil {
		return nil, errors.Wrapf(err, "share %s", l.addr)
	}
	unix.CloseOnExec(fd)
	if err := poller.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "share %s: nonblock", l.addr)
	}
	return &Listener{addr: l.addr, file: os.NewFile(uintptr(fd), l.addr.String()), fd: fd}, nil
}

type filer interface {
	File() (*os.File, error)
}

func fromListener(addr Address, ln net.Listener) (*Listener, error) {
	fl, ok := ln.(filer)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("listen %s: listener has no file descriptor", addr)
	}
	f, err := fl.File()
	if err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	fd := int(f.Fd())
	if err := poller.SetNonblock(fd); err != nil {
		f.Close()
		ln.Close()
		return nil, errors.Wrapf(err, "listen %s: nonblock", addr)
	}
	return &Listener{addr: addr, ln: ln, file: f, fd: fd}, nil
}

func (l *Listener) Fd() int          { return l.fd }
func (l *Listener) Address() Address { return l.addr }

// Addr returns the bound address, which carries the real port when
// listening on port 0.
func (l *Listener) Addr() net.Addr {
	if l.ln != nil {
		return l.ln.Addr()
	}
	return nil
}

func (l *Listener) Close() error {
	err := l.file.Close()
	if l.ln != nil {
		if cerr := l.ln.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
