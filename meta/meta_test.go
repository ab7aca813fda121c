package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripThroughContext(t *testing.T) {
	md := New("req-1", "")
	ctx := md.WithContext(context.Background())

	got := FromContext(ctx)
	require.Same(t, md, got)

	got.SetTenant("acme", "PREMIUM")
	got.SetMode("MODERATE")
	got.SetReason("circuit_open")
	got.MarkDegraded()

	assert.Equal(t, Fields{
		RequestID:     "req-1",
		CorrelationID: "req-1",
		Tenant:        "acme",
		Plan:          "PREMIUM",
		Mode:          "MODERATE",
		Reason:        "circuit_open",
		Degraded:      true,
	}, md.Fields())
}

func TestNilMetadataIsSafe(t *testing.T) {
	md := FromContext(context.Background())
	assert.Nil(t, md)

	md.SetTenant("acme", "FREE")
	md.SetReason("x")
	assert.Equal(t, Fields{}, md.Fields())

	ctx := context.Background()
	assert.Equal(t, ctx, md.WithContext(ctx))
}

func TestFieldsLogObject(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	f := Fields{RequestID: "r1", CorrelationID: "c1", Tenant: "acme", Plan: "FREE", Reason: "priority_throttle"}
	logger.Info().EmbedObject(f).Msg("request completed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "r1", line["request_id"])
	assert.Equal(t, "c1", line["correlation_id"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "priority_throttle", line["reason"])
	assert.NotContains(t, line, "degraded")
	assert.NotContains(t, line, "mode")
}
