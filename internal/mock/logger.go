package mock

import "trinity/internal/core"

// NopLogger discards everything. Tests use it where log output is
// noise.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (l *NopLogger) Debug(msg string, fields ...interface{}) {}
func (l *NopLogger) Info(msg string, fields ...interface{})  {}
func (l *NopLogger) Warn(msg string, fields ...interface{})  {}
func (l *NopLogger) Error(msg string, fields ...interface{}) {}
func (l *NopLogger) Fatal(msg string, fields ...interface{}) {}

func (l *NopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *NopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
