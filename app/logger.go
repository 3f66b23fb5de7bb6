package app

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/searchktools/evserver/config"
)

// NewLogger builds the root logger. Development writes human readable
// console output, every other environment writes JSON lines.
func NewLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Env == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.StackTrace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		ctx = ctx.Stack()
	}
	return ctx.Logger()
}
