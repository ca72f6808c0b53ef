package log

// Logger is the leveled, printf-style logging interface shared by the relay and the CLI. Messages
// are formatted as "component: message: key=value ...".
type Logger interface {
	// Debug logs a message tracing per-connection behavior.
	Debug(format string, v ...interface{})

	// Info logs an informational message.
	Info(format string, v ...interface{})

	// Warn logs a warning, such as trusting a certificate outside the trust roots.
	Warn(format string, v ...interface{})

	// Error logs an error message.
	Error(format string, v ...interface{})

	// Level returns the currently configured logging level.
	Level() Level
}

// NoopLogger discards every message.
type NoopLogger struct{}

// NewNoopLogger creates a Logger that discards every message.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// Debug noops.
func (NoopLogger) Debug(format string, v ...interface{}) {}

// Info noops.
func (NoopLogger) Info(format string, v ...interface{}) {}

// Warn noops.
func (NoopLogger) Warn(format string, v ...interface{}) {}

// Error noops.
func (NoopLogger) Error(format string, v ...interface{}) {}

// Level reports Error, the least verbose level.
func (NoopLogger) Level() Level {
	return Error
}
