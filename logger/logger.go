package logger

// Logger is the structured logging contract used across the engine.
// keyvals are alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for an evaluation. It must be safe for concurrent calls.
type TraceIDFunc func() string

// OrDefault returns l, or the oarkflow/log backed logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return NewPhusluLogger()
	}
	return l
}

// NullLogger discards everything.
type NullLogger struct{}

func NewNullLogger() NullLogger { return NullLogger{} }

func (NullLogger) Debug(string, ...any) {}
func (NullLogger) Info(string, ...any)  {}
func (NullLogger) Error(string, ...any) {}
