package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zajel-project/zajel/pairing"
	"github.com/zajel-project/zajel/session"
	"github.com/zajel-project/zajel/signaling"
)

func TestOf(t *testing.T) {
	require.Empty(t, Of(nil))
	require.Equal(t, InvalidInput, Of(pairing.ErrInvalidCode))
	require.Equal(t, NotConnected, Of(signaling.ErrNotConnected))
	require.Equal(t, ReplayDetected, Of(session.ErrReplayDetected))
	require.Equal(t, DecryptionFailed, Of(session.ErrDecryptionFailed))
	require.Equal(t, DecryptionFailed, Of(session.ErrInvalidKey))
	require.Equal(t, Internal, Of(errors.New("something else")))

	// Wrapped errors still resolve.
	wrapped := fmt.Errorf("handling frame: %w", session.ErrCounterExhausted)
	require.Equal(t, CounterExhausted, Of(wrapped))
}
