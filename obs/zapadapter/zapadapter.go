// Package zapadapter adapts a *zap.SugaredLogger to the obs.Logger and
// obs.StructuredLogger interfaces. Production code wires this adapter
// directly instead of only using it in tests.
package zapadapter

import "go.uber.org/zap"

// Adapter wraps a *zap.SugaredLogger.
type Adapter struct {
	sugar *zap.SugaredLogger
}

// New constructs an Adapter from a *zap.SugaredLogger.
func New(sugar *zap.SugaredLogger) *Adapter {
	return &Adapter{sugar: sugar}
}

// Debugf implements obs.Logger.
func (a *Adapter) Debugf(format string, args ...any) {
	if a == nil || a.sugar == nil {
		return
	}
	a.sugar.Debugf(format, args...)
}

// Debugw implements obs.StructuredLogger.
func (a *Adapter) Debugw(msg string, keyvals ...any) {
	if a == nil || a.sugar == nil {
		return
	}
	a.sugar.Debugw(msg, keyvals...)
}

// Warnw implements obs.StructuredLogger.
func (a *Adapter) Warnw(msg string, keyvals ...any) {
	if a == nil || a.sugar == nil {
		return
	}
	a.sugar.Warnw(msg, keyvals...)
}

// Errorw implements obs.StructuredLogger.
func (a *Adapter) Errorw(msg string, keyvals ...any) {
	if a == nil || a.sugar == nil {
		return
	}
	a.sugar.Errorw(msg, keyvals...)
}
