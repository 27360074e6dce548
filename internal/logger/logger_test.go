package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, InfoLevel)

	l.Info("peer connected", String("code", "ABC234"), Int("attempt", 2))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "peer connected", entry["message"])
	require.Equal(t, "ABC234", entry["code"])
	require.Equal(t, float64(2), entry["attempt"])
	require.Contains(t, entry, "timestamp")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, InfoLevel).WithFields(String("component", "session"))

	l.Info("established")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "session", entry["component"])
}

func TestZajelError(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("CRYPTO_FAILURE", "session derivation failed", cause)

	require.Contains(t, err.Error(), "CRYPTO_FAILURE")
	require.ErrorIs(t, err, cause)

	err.WithDetails("peer", "ABC234")
	require.Equal(t, "ABC234", err.Details["peer"])
}
