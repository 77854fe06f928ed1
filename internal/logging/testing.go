package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with test observation capabilities.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for testing with full observation.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{
			zap:    zap.New(core),
			config: NewDefaultConfig(),
		},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries matching message substring.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged verifies a log at level containing message was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertNotLogged verifies no log at level containing message was logged.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			tb.Errorf("unexpected log at %v containing %q", level, msgContains)
		}
	}
}

// AssertField verifies a field with key and value exists on a message.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessageSnippet(msg).All() {
		if v, ok := entry.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertNoSecrets fails if a sensitive field or any of the given raw
// secret values appear anywhere in the captured logs.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, secrets ...string) {
	tb.Helper()
	defaults := NewDefaultConfig().Redaction
	sensitive := make(map[string]bool, len(defaults.Fields))
	for _, f := range defaults.Fields {
		sensitive[f] = true
	}
	patterns := make([]*regexp.Regexp, 0, len(defaults.Patterns))
	for _, p := range defaults.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	check := func(where, s string) {
		for _, re := range patterns {
			if re.MatchString(s) {
				tb.Errorf("sensitive pattern in %s: %q", where, s)
			}
		}
		for _, secret := range secrets {
			if secret != "" && strings.Contains(s, secret) {
				tb.Errorf("raw secret leaked in %s", where)
			}
		}
	}

	for _, entry := range t.observed.All() {
		check("message", entry.Message)
		for _, field := range entry.Context {
			if field.Type != zapcore.StringType {
				continue
			}
			if sensitive[strings.ToLower(field.Key)] && !strings.Contains(field.String, "[REDACTED") && field.String != "" {
				tb.Errorf("sensitive field %q not redacted", field.Key)
			}
			check("field "+field.Key, field.String)
		}
	}
}
