// Package htlog is the structured-logging facade used throughout htcore,
// playing the role the teacher's Server.logf played against the stdlib
// log package — except backed by zap. htcore's own call sites log through
// the printf-shaped Logf; Infow/Errorw/Debugw take key-value fields.
package htlog

import "go.uber.org/zap"

// Logger wraps a zap.SugaredLogger so existing call sites can keep using
// a printf-shaped API (logf) while structured call sites use the Infow /
// Errorw / Debugw forms.
type Logger struct {
	s *zap.SugaredLogger
}

// New wraps an existing *zap.Logger.
func New(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// NewNop returns a Logger that discards everything — the default for
// tests and for Options that don't configure one explicitly.
func NewNop() *Logger {
	return New(zap.NewNop())
}

// NewProduction returns a Logger backed by zap's JSON production config.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// Logf matches the shape of the teacher's Server.logf: every call site
// that used to reach for "http: %s" printf logging now reaches for this.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

// Sync flushes any buffered log entries; callers should defer it around
// process or test lifetime the way zap examples do.
func (l *Logger) Sync() error {
	return l.s.Sync()
}
