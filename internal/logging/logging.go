// Package logging constructs the process loggers.
//
// Components receive a *log.Logger with a "[component] " prefix. Output goes
// to stderr, and additionally to a size-rotated log file when one is
// configured.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	output  io.Writer = os.Stderr
	verbose bool
)

// Setup installs the process-wide log output. When file is non-empty, log
// lines are mirrored to a rotating file at that path. Call once at startup,
// before constructing component loggers.
func Setup(file, level string) {
	mu.Lock()
	defer mu.Unlock()

	verbose = level == "debug"
	if file == "" {
		output = os.Stderr
		return
	}
	output = io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	})
}

// New returns a logger for the named component, e.g. New("sync") prefixes
// lines with "[sync] ".
func New(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log.New(output, "["+component+"] ", log.LstdFlags)
}

// Debug returns a logger for verbose diagnostics. It discards output unless
// the configured level is "debug".
func Debug(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(output, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
