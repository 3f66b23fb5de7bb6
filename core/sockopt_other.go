//go:build !linux

package core

var platformSockopts []sockopt
