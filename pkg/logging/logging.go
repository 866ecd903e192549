// Package logging is the client's slog wrapper. Each connection, session and
// branch carries its identifiers as attributes, so a log line can be traced
// back to the session that wrote it.
package logging

import (
	"encoding/hex"
	"io"
	"log/slog"
	"strconv"

	"github.com/gezibash/arc-session/pkg/xa"
)

// Logger is a *slog.Logger with helpers for session identifiers.
type Logger struct {
	*slog.Logger
}

// New wraps base. A nil base means slog.Default().
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{Logger: base}
}

// Nop discards everything, including errors.
func Nop() *Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return &Logger{Logger: slog.New(h)}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

func (l *Logger) WithSession(id string) *Logger { return l.with("session", id) }

// WithHandle tags a producer or consumer, e.g. WithHandle("consumer", id).
func (l *Logger) WithHandle(kind, id string) *Logger { return l.with(kind, id) }

// WithXid tags a branch using FormatXid.
func (l *Logger) WithXid(xid xa.Xid) *Logger { return l.with("xid", FormatXid(xid)) }

func (l *Logger) WithError(err error) *Logger { return l.with("error", err.Error()) }

// Slog returns the wrapped logger.
func (l *Logger) Slog() *slog.Logger { return l.Logger }

// FormatXid prints at most eight bytes of the global id and of the branch
// qualifier.
func FormatXid(xid xa.Xid) string {
	return strconv.FormatInt(int64(xid.FormatID), 10) + ":" +
		clip(xid.GlobalTransactionID) + ":" + clip(xid.BranchQualifier)
}

func clip(b []byte) string {
	if len(b) > 8 {
		return hex.EncodeToString(b[:8]) + "..."
	}
	return hex.EncodeToString(b)
}
