// Package logger defines the logging interface used by sshchan sessions and channels, so that
// applications can route connection diagnostics into their own logging framework.
//
// Messages are structured: each call takes a message and alternating keys and values.
//
//	log.Debug("channel opened", "remote", "10.0.0.1:80")
//
// NewSlog returns the default implementation on top of log/slog. Nop discards everything.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are voluminous: every retry, open and close.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are recoverable problems, such as missed keepalives.
	WarnLevel
	// ErrorLevel logs are failures which end a session or a channel.
	ErrorLevel
)

// Logger is a structured, leveled logger.
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)
	// With creates a child logger carrying the given fields. Fields added to the child do not
	// affect the parent.
	With(keysAndValues ...any) Logger
	// Level returns the minimum enabled level.
	Level() Level
	// SetLevel sets the minimum enabled level.
	SetLevel(level Level)
}

type nop struct{}

// Nop returns a Logger which discards all messages.
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (n nop) With(...any) Logger { return n }
func (nop) Level() Level         { return ErrorLevel }
func (nop) SetLevel(Level)       {}
