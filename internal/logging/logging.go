// Package logging holds the process wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
)

// L is the shared logger. Configured once at startup, read everywhere.
var L zerolog.Logger

var logFile *os.File

func init() {
	L = newConsoleLogger(os.Stderr)
}

func newConsoleLogger(w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func SetLogLevel(level zerolog.Level) {
	L = L.Level(level)
}

// SetLogOutput directs the logger to a file in dir, keeping console output
// when toConsole is set.
func SetLogOutput(dir, filename string, toConsole bool) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(path.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	logFile = f

	var w io.Writer = f
	if toConsole {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level := L.GetLevel()
	L = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return nil
}

func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
