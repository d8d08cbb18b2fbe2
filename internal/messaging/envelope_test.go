package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "insight/internal/errors"
)

func TestNewEnvelopeRejectsEmptyAddresses(t *testing.T) {
	_, err := NewEnvelope("", " ", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	var verr *apperrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)
}

func TestEnvelopeIsImmutable(t *testing.T) {
	payload := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{"a"},
	}
	env, err := NewEnvelope("planning", "research", payload)
	require.NoError(t, err)

	payload["nested"].(map[string]any)["k"] = "changed"
	got := env.Payload()
	got["list"] = []any{"b"}

	again := env.Payload()
	assert.Equal(t, "v", again["nested"].(map[string]any)["k"])
	assert.Equal(t, []any{"a"}, again["list"])
}

func TestEnvelopeNormalizesNumbers(t *testing.T) {
	env, err := NewEnvelope("a", "b", map[string]any{"n": 3})
	require.NoError(t, err)

	v, ok := env.Get("n")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
}

func TestEnvelopeRejectsNonJSONPayload(t *testing.T) {
	_, err := NewEnvelope("a", "b", map[string]any{"fn": func() {}})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestWireRoundTrip(t *testing.T) {
	env, err := NewEnvelope("strategy", Broadcast, map[string]any{
		"score": 0.75,
		"tags":  []any{"x", true, nil},
		"meta":  map[string]any{"depth": 2},
	})
	require.NoError(t, err)
	assert.True(t, env.IsBroadcast())

	frame, err := Marshal(env)
	require.NoError(t, err)
	decoded, err := Unmarshal(frame)
	require.NoError(t, err)

	assert.Equal(t, env.Sender(), decoded.Sender())
	assert.Equal(t, env.Recipient(), decoded.Recipient())
	assert.Equal(t, env.Timestamp(), decoded.Timestamp())
	assert.Equal(t, env.Payload(), decoded.Payload())
}

func TestJSONUsesShortTimestampKey(t *testing.T) {
	env, err := Restore("a", "b", map[string]any{"x": "y"}, 12.5)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"a","recipient":"b","payload":{"x":"y"},"ts":12.5}`, string(raw))

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, env.Payload(), back.Payload())

	canon, err := env.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"sender":"a","recipient":"b","payload":{"x":"y"},"ts":12.5}`, string(canon))
}
