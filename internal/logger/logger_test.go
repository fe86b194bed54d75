package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsSecretKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.Info("gateway configured", "host", "http://evo", "apikey", "abc123", "POSTGRES_DSN", "postgres://u:p@h/db")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "http://evo", fields["host"])
	assert.Equal(t, "[REDACTED]", fields["apikey"])
	assert.Equal(t, "[REDACTED]", fields["POSTGRES_DSN"])
}

func TestRedactKeepsOddTrailingValue(t *testing.T) {
	assert.Equal(t, []interface{}{"a", 1, "dangling"}, redact([]interface{}{"a", 1, "dangling"}))
}
