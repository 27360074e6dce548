package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) (*SecureSession, *SecureSession) {
	t.Helper()
	aPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	aPub := base64.StdEncoding.EncodeToString(aPriv.PublicKey().Bytes())
	bPub := base64.StdEncoding.EncodeToString(bPriv.PublicKey().Bytes())

	// Both sides must name the same peer in the HKDF info string to land on
	// the same key.
	a, err := NewSecureSession("peer", aPriv, bPub)
	require.NoError(t, err)
	b, err := NewSecureSession("peer", bPriv, aPub)
	require.NoError(t, err)
	return a, b
}

func TestSecureSessionRoundtrip(t *testing.T) {
	a, b := newTestPair(t)

	t.Run("encrypt and decrypt", func(t *testing.T) {
		plaintext := []byte("hello")
		frame, err := a.Encrypt(DirectionText, plaintext)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, frame)

		pt, err := b.Decrypt(DirectionText, frame)
		require.NoError(t, err)
		require.Equal(t, plaintext, pt)

		require.Equal(t, uint32(1), a.SendCounter(DirectionText))
		require.Equal(t, uint32(1), b.ReceiveHighest(DirectionText))
	})

	t.Run("distinct encryptions of the same plaintext differ", func(t *testing.T) {
		f1, err := a.Encrypt(DirectionText, []byte("same"))
		require.NoError(t, err)
		f2, err := a.Encrypt(DirectionText, []byte("same"))
		require.NoError(t, err)
		require.NotEqual(t, f1, f2)
	})

	t.Run("tampered frame fails opaquely", func(t *testing.T) {
		frame, err := a.Encrypt(DirectionText, []byte("payload"))
		require.NoError(t, err)
		frame[len(frame)/2] ^= 0xFF

		_, err = b.Decrypt(DirectionText, frame)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("short frame fails opaquely", func(t *testing.T) {
		_, err := b.Decrypt(DirectionText, []byte("short"))
		require.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestSecureSessionReplay(t *testing.T) {
	a, b := newTestPair(t)

	frame, err := a.Encrypt(DirectionText, []byte("once"))
	require.NoError(t, err)

	_, err = b.Decrypt(DirectionText, frame)
	require.NoError(t, err)

	_, err = b.Decrypt(DirectionText, frame)
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestSecureSessionDirectionsAreIndependent(t *testing.T) {
	a, b := newTestPair(t)

	// Interleave text and binary; each direction keeps its own counter and
	// replay window.
	for i := 0; i < 5; i++ {
		tf, err := a.Encrypt(DirectionText, []byte("t"))
		require.NoError(t, err)
		bf, err := a.Encrypt(DirectionBinary, []byte("b"))
		require.NoError(t, err)

		_, err = b.Decrypt(DirectionText, tf)
		require.NoError(t, err)
		_, err = b.Decrypt(DirectionBinary, bf)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(5), a.SendCounter(DirectionText))
	require.Equal(t, uint32(5), a.SendCounter(DirectionBinary))
	require.Equal(t, uint32(5), b.ReceiveHighest(DirectionText))
	require.Equal(t, uint32(5), b.ReceiveHighest(DirectionBinary))
}

func TestSecureSessionVerifyPeerKey(t *testing.T) {
	aPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	bPubRaw := bPriv.PublicKey().Bytes()
	sess, err := NewSecureSession("peer", aPriv, base64.StdEncoding.EncodeToString(bPubRaw))
	require.NoError(t, err)

	require.True(t, sess.VerifyPeerKey(bPubRaw))

	wrong := make([]byte, len(bPubRaw))
	copy(wrong, bPubRaw)
	wrong[0] ^= 1
	require.False(t, sess.VerifyPeerKey(wrong))
	require.False(t, sess.VerifyPeerKey(wrong[:16]))
}

func TestNewSecureSessionRejectsBadKeys(t *testing.T) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("not base64", func(t *testing.T) {
		_, err := NewSecureSession("peer", priv, "%%%not-base64%%%")
		require.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("wrong length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("too short"))
		_, err := NewSecureSession("peer", priv, short)
		require.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestReplayWindow(t *testing.T) {
	t.Run("zero is never valid", func(t *testing.T) {
		var w ReplayWindow
		require.False(t, w.Accept(0))
	})

	t.Run("admits each sequence exactly once", func(t *testing.T) {
		var w ReplayWindow
		for seq := uint32(1); seq <= 100; seq++ {
			require.True(t, w.Accept(seq), "seq %d", seq)
			require.False(t, w.Accept(seq), "replayed seq %d", seq)
		}
	})

	t.Run("admits any permutation within the window once", func(t *testing.T) {
		var w ReplayWindow
		require.True(t, w.Accept(200))

		// Shuffle [137, 199] and feed out of order.
		seqs := make([]uint32, 0, 63)
		for s := uint32(137); s <= 199; s++ {
			seqs = append(seqs, s)
		}
		for i := len(seqs) - 1; i > 0; i-- {
			j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
			require.NoError(t, err)
			seqs[i], seqs[int(j.Int64())] = seqs[int(j.Int64())], seqs[i]
		}
		for _, s := range seqs {
			require.True(t, w.Accept(s), "seq %d", s)
		}
		for _, s := range seqs {
			require.False(t, w.Accept(s), "replayed seq %d", s)
		}
	})

	t.Run("rejects sequences at or below highest minus window", func(t *testing.T) {
		var w ReplayWindow
		require.True(t, w.Accept(200))
		require.False(t, w.Accept(136))
		require.False(t, w.Accept(100))
	})

	t.Run("large jump clears the bitmap", func(t *testing.T) {
		var w ReplayWindow
		require.True(t, w.Accept(1))
		require.True(t, w.Accept(1000))
		require.False(t, w.Accept(1))
		require.True(t, w.Accept(999))
	})
}

func TestManager(t *testing.T) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	peerPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	peerPK := base64.StdEncoding.EncodeToString(peerPriv.PublicKey().Bytes())

	m := NewManager(priv)

	_, err = m.Encrypt("nobody", DirectionText, []byte("x"))
	require.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := m.Establish("peer", peerPK)
	require.NoError(t, err)
	require.NotNil(t, sess)

	// Re-establishing resets counters.
	_, err = m.Encrypt("peer", DirectionText, []byte("x"))
	require.NoError(t, err)
	sess2, err := m.Establish("peer", peerPK)
	require.NoError(t, err)
	require.Equal(t, uint32(0), sess2.SendCounter(DirectionText))

	m.Remove("peer")
	_, ok := m.Get("peer")
	require.False(t, ok)
}
