package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// SLogLogger writes through a *slog.Logger. Attributes given to With are added to
// every message.
type SLogLogger struct {
	l     *slog.Logger
	attrs []slog.Attr
}

func NewSLogLogger(l *slog.Logger) *SLogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SLogLogger{l: l}
}

// NewSLogJSONLogger logs JSON lines at level and above to w.
func NewSLogJSONLogger(w io.Writer, level slog.Level) *SLogLogger {
	return NewSLogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// With returns a logger that adds keyvals to every message.
func (s *SLogLogger) With(keyvals ...any) *SLogLogger {
	attrs := append(append([]slog.Attr(nil), s.attrs...), pairs(keyvals)...)
	return &SLogLogger{l: s.l, attrs: attrs}
}

func (s *SLogLogger) Debug(msg string, keyvals ...any) { s.log(slog.LevelDebug, msg, keyvals) }
func (s *SLogLogger) Info(msg string, keyvals ...any)  { s.log(slog.LevelInfo, msg, keyvals) }
func (s *SLogLogger) Error(msg string, keyvals ...any) { s.log(slog.LevelError, msg, keyvals) }

func (s *SLogLogger) log(level slog.Level, msg string, keyvals []any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.LogAttrs(ctx, level, msg, append(append([]slog.Attr(nil), s.attrs...), pairs(keyvals)...)...)
}

// pairs turns alternating keyvals into attributes. A trailing key without a value is dropped.
func pairs(keyvals []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			out = append(out, slog.String(key, err.Error()))
			continue
		}
		out = append(out, slog.Any(key, keyvals[i+1]))
	}
	return out
}
