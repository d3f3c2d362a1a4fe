package mesh

// Logger is the logging interface used by the mesh bridge.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// namedLogger tags every entry with the owning component's name.
type namedLogger struct {
	Logger
	key, name string
}

func withName(l Logger, key, name string) Logger {
	if l == nil {
		return nopLogger{}
	}
	return namedLogger{Logger: l, key: key, name: name}
}

func (l namedLogger) Debug(msg string, kv ...any) {
	l.Logger.Debug(msg, append([]any{l.key, l.name}, kv...)...)
}

func (l namedLogger) Info(msg string, kv ...any) {
	l.Logger.Info(msg, append([]any{l.key, l.name}, kv...)...)
}

func (l namedLogger) Warn(msg string, kv ...any) {
	l.Logger.Warn(msg, append([]any{l.key, l.name}, kv...)...)
}

func (l namedLogger) Error(msg string, kv ...any) {
	l.Logger.Error(msg, append([]any{l.key, l.name}, kv...)...)
}
