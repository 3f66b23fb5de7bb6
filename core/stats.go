package core

import (
	"encoding/json"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Stats counts engine activity. Counters are shared by every engine of
// an application and safe to read from any goroutine.
type Stats struct {
	Accepted       *xsync.Counter
	Closed         *xsync.Counter
	Active         *xsync.Counter
	Requests       *xsync.Counter
	BytesIn        *xsync.Counter
	BytesOut       *xsync.Counter
	ProtocolErrors *xsync.Counter
	Timeouts       *xsync.Counter
	FilesSent      *xsync.Counter
}

// NewStats creates zeroed counters
func NewStats() *Stats {
	return &Stats{
		Accepted:       xsync.NewCounter(),
		Closed:         xsync.NewCounter(),
		Active:         xsync.NewCounter(),
		Requests:       xsync.NewCounter(),
		BytesIn:        xsync.NewCounter(),
		BytesOut:       xsync.NewCounter(),
		ProtocolErrors: xsync.NewCounter(),
		Timeouts:       xsync.NewCounter(),
		FilesSent:      xsync.NewCounter(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Accepted       int64 `json:"accepted"`
	Closed         int64 `json:"closed"`
	Active         int64 `json:"active"`
	Requests       int64 `json:"requests"`
	BytesIn        int64 `json:"bytes_in"`
	BytesOut       int64 `json:"bytes_out"`
	ProtocolErrors int64 `json:"protocol_errors"`
	Timeouts       int64 `json:"timeouts"`
	FilesSent      int64 `json:"files_sent"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:       s.Accepted.Value(),
		Closed:         s.Closed.Value(),
		Active:         s.Active.Value(),
		Requests:       s.Requests.Value(),
		BytesIn:        s.BytesIn.Value(),
		BytesOut:       s.BytesOut.Value(),
		ProtocolErrors: s.ProtocolErrors.Value(),
		Timeouts:       s.Timeouts.Value(),
		FilesSent:      s.FilesSent.Value(),
	}
}

func (s StatsSnapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("accepted", s.Accepted).
		Int64("closed", s.Closed).
		Int64("active", s.Active).
		Int64("requests", s.Requests).
		Int64("bytes_in", s.BytesIn).
		Int64("bytes_out", s.BytesOut).
		Int64("protocol_errors", s.ProtocolErrors).
		Int64("timeouts", s.Timeouts).
		Int64("files_sent", s.FilesSent)
}

// JSON returns the snapshot as indented JSON
func (s StatsSnapshot) JSON() string {
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
