package object

import "time"

// Logger receives structured key/value pairs describing object and registry
// activity. The default is a no-op; adapt log/slog or any structured logger
// by satisfying this interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock abstracts time for last-access stamping so eviction is testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithMaxSize bounds the registry, turning it into an LRU cache. Admissions
// beyond n evict the least-recently-accessed entries.
func WithMaxSize(n int) FactoryOption {
	return func(f *Factory) { f.maxSize = n }
}

// WithAutoload makes Get construct and load missing objects from storage.
// The storage id is also used for secondary-index fallback queries.
func WithAutoload(storageID string) FactoryOption {
	return func(f *Factory) {
		f.autoload = true
		f.autoloadStorage = storageID
	}
}

// WithAutocreate makes Get return a fresh unsaved object instead of
// propagating a not-found error on the autoload path.
func WithAutocreate() FactoryOption {
	return func(f *Factory) { f.autocreate = true }
}

// WithAutosave makes Create persist newly admitted objects.
func WithAutosave() FactoryOption {
	return func(f *Factory) { f.autosave = true }
}

// WithLogger overrides the registry logger. Objects admitted to the registry
// inherit it unless they carry their own.
func WithLogger(l Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// WithClock overrides the clock used for last-access stamping.
func WithClock(c Clock) FactoryOption {
	return func(f *Factory) {
		if c != nil {
			f.clock = c
		}
	}
}
