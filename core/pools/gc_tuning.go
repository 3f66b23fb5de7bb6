package pools

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// GCConfig tunes the collector for long-lived event loops
type GCConfig struct {
	// Percent is the GOGC target; 0 keeps the runtime setting.
	Percent int `config:"gc_percent"`
	// MemoryLimit is a soft heap limit in bytes; 0 disables it.
	MemoryLimit int64 `config:"memory_limit"`
}

// DefaultGCConfig trades memory for fewer collections
func DefaultGCConfig() GCConfig {
	return GCConfig{Percent: 200}
}

// ApplyGCConfig applies cfg and returns the settings it replaced.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.Percent > 0 {
		prev.Percent = debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats is a snapshot of collector and heap statistics
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	HeapAlloc    uint64
	Sys          uint64
	NumGoroutine int
}

// ReadGCStats takes a snapshot.
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		HeapAlloc:    ms.HeapAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return stats
}

// MarshalZerologObject lets a snapshot be logged with Object.
func (s GCStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint32("num_gc", s.NumGC).
		Dur("pause_total", s.PauseTotal).
		Dur("last_pause", s.LastPause).
		Uint64("heap_alloc", s.HeapAlloc).
		Uint64("sys", s.Sys).
		Int("goroutines", s.NumGoroutine)
}
