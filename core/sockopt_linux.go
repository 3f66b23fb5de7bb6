//go:build linux

package core

import "golang.org/x/sys/unix"

var platformSockopts = []sockopt{
	{"TCP_DEFER_ACCEPT", unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, false},
}
