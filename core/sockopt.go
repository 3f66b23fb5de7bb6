package core

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type sockopt struct {
	name     string
	level    int
	opt      int
	required bool
}

var commonSockopts = []sockopt{
	{"SO_KEEPALIVE", unix.SOL_SOCKET, unix.SO_KEEPALIVE, true},
	{"SO_REUSEADDR", unix.SOL_SOCKET, unix.SO_REUSEADDR, true},
	{"SO_REUSEPORT", unix.SOL_SOCKET, unix.SO_REUSEPORT, false},
	{"TCP_NODELAY", unix.IPPROTO_TCP, unix.TCP_NODELAY, false},
}

// configureSocket prepares an accepted descriptor. Failing to set
// close-on-exec, non-blocking mode, SO_KEEPALIVE or SO_REUSEADDR is
// fatal; the remaining options are best effort.
func configureSocket(fd int, log *zerolog.Logger) error {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrapf(ErrTransport, "set nonblock: %v", err)
	}

	for _, o := range append(commonSockopts, platformSockopts...) {
		err := unix.SetsockoptInt(fd, o.level, o.opt, 1)
		if err == nil {
			continue
		}
		if o.required {
			return errors.Wrapf(ErrTransport, "%s: %v", o.name, err)
		}
		if err == unix.EOPNOTSUPP || err == unix.ENOPROTOOPT {
			log.Debug().Str("option", o.name).Msg("socket option not supported")
			continue
		}
		log.Warn().Str("option", o.name).Err(err).Msg("socket option failed")
	}
	return nil
}
