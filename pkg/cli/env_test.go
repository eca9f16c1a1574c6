package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/observability"
)

type failingAuditLogger struct {
	closed bool
}

func (f *failingAuditLogger) Log(context.Context, *audit.AuditEvent) error {
	return errors.New("audit_logs unavailable")
}

func (f *failingAuditLogger) Close() error {
	f.closed = true
	return nil
}

func TestEnvironmentClose_ReportsAsyncAuditFailures(t *testing.T) {
	var buf bytes.Buffer
	sink := &failingAuditLogger{}
	env := &environment{
		Logger: observability.NewLogger(observability.InfoLevel, &buf),
		Audit:  audit.NewMultiLogger(sink),
	}
	env.Audit.SetAsync(true)

	require.NoError(t, env.Audit.Log(context.Background(), &audit.AuditEvent{EventType: audit.EventTypeDataDelete}))
	require.NoError(t, env.Close())

	assert.True(t, sink.closed)
	assert.Contains(t, buf.String(), "Audit event was not written")
	assert.Contains(t, buf.String(), "audit_logs unavailable")
}

func TestEnvironmentClose_Nil(t *testing.T) {
	var env *environment
	assert.NoError(t, env.Close())
	assert.NoError(t, (&environment{}).Close())
}
