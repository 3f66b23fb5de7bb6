package core

import "github.com/pkg/errors"

var (
	// ErrTransport wraps socket level failures. The connection closes.
	ErrTransport = errors.New("transport error")
	// ErrTimeout is reported when a read, write or idle timeout expires.
	ErrTimeout = errors.New("connection timed out")
	// ErrPeerClosed is reported when the client closed its side.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrAlreadySendingFile is returned when a file job is started while
	// another one is active on the same connection.
	ErrAlreadySendingFile = errors.New("connection is already sending a file")
	// ErrNotPaused is returned by Resume on a connection that is not paused.
	ErrNotPaused = errors.New("connection is not paused")
	// ErrConnectionClosed ends file jobs cut short by Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidAddress is returned for unparsable listen addresses.
	ErrInvalidAddress = errors.New("invalid listen address")
	// ErrEngineStopped is returned when posting to a stopped engine.
	ErrEngineStopped = errors.New("engine stopped")
)
