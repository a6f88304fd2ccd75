// Package logger defines the minimal structured logging interface used by
// the lock protocol. Failed sends and undecodable messages are logged and
// swallowed, never surfaced to the application.
package logger

import (
	"fmt"
	"log"
	"strings"
)

// Logger is a leveled key/value logger. Arguments after the message are
// alternating keys and values.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// NoOp discards all log messages. It is the default for library use.
type NoOp struct{}

// Debugw implements Logger.Debugw.
func (NoOp) Debugw(string, ...any) {}

// Infow implements Logger.Infow.
func (NoOp) Infow(string, ...any) {}

// Warnw implements Logger.Warnw.
func (NoOp) Warnw(string, ...any) {}

// Errorw implements Logger.Errorw.
func (NoOp) Errorw(string, ...any) {}

// Std logs through the standard library logger.
type Std struct {
	L *log.Logger
}

// NewStd returns a Std writing to the default standard logger.
func NewStd() *Std {
	return &Std{L: log.Default()}
}

func (s *Std) logw(level, msg string, keysAndValues ...any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	s.L.Print(b.String())
}

// Debugw implements Logger.Debugw.
func (s *Std) Debugw(msg string, keysAndValues ...any) { s.logw("DEBUG", msg, keysAndValues...) }

// Infow implements Logger.Infow.
func (s *Std) Infow(msg string, keysAndValues ...any) { s.logw("INFO", msg, keysAndValues...) }

// Warnw implements Logger.Warnw.
func (s *Std) Warnw(msg string, keysAndValues ...any) { s.logw("WARN", msg, keysAndValues...) }

// Errorw implements Logger.Errorw.
func (s *Std) Errorw(msg string, keysAndValues ...any) { s.logw("ERROR", msg, keysAndValues...) }
