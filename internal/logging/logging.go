// Package logging builds the component loggers.
//
// Every component takes a *log.Logger. They all share one writer, either
// stderr or a size-rotated file, and differ only in prefix.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ironwolf/localsync/internal/config"
)

// Output returns the log destination for cfg. The returned closer is a
// no-op for stderr.
func Output(cfg config.Log) io.WriteCloser {
	if cfg.File == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}

// New returns a logger writing to w with a "[prefix] " prefix.
func New(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.New(w, "["+prefix+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
