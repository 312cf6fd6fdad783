package tcguard

import golog "github.com/bnclabs/golog"

// SetLogger wires this module's logging into golog, the same way every
// gostore-derived package does: pass nil to fall back to golog's own
// default sink, configured from setts's "log.*" keys.
func SetLogger(logger golog.Logger, setts map[string]interface{}) golog.Logger {
	return golog.SetLogger(logger, setts)
}

func debugf(format string, v ...interface{})   { golog.Debugf(format, v...) }
func infof(format string, v ...interface{})    { golog.Infof(format, v...) }
func warnf(format string, v ...interface{})    { golog.Warnf(format, v...) }
func errorf(format string, v ...interface{})   { golog.Errorf(format, v...) }
func fatalf(format string, v ...interface{})   { golog.Fatalf(format, v...) }
func verbosef(format string, v ...interface{}) { golog.Verbosef(format, v...) }
