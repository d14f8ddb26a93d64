// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/ngoyal88/webstat/pkg/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init sets up the global logger from cfg.  It is called once at startup,
// before anything else logs.
//
// The output is a console format when cfg.Pretty is true and JSON lines
// otherwise.  Every entry carries the service and instance names.  Debug and
// info entries are sampled when cfg.SampleN is more than one; warnings and
// errors never are.
func Init(cfg config.LogConfig) {
	zlog.Logger = New(cfg, os.Stdout)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New returns a logger configured by cfg writing to out.
func New(cfg config.LogConfig, out io.Writer) (l zerolog.Logger) {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = lvl
	}

	zerolog.SetGlobalLevel(level)

	w := out
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	l = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Str("instance", cfg.Instance).
		Logger()

	if cfg.SampleN > 1 {
		l = l.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.SampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.SampleN},
		})
	}

	return l
}
