package peer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zajel-project/zajel/crypto/identity"
	"github.com/zajel-project/zajel/filetransfer"
	"github.com/zajel-project/zajel/signaling"
	"github.com/zajel-project/zajel/transport"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	id := identity.NewManager(filepath.Join(dir, "keys"))
	require.NoError(t, id.Initialize())

	store, err := OpenStore(filepath.Join(dir, "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(id, store, transport.Config{}, filetransfer.Config{})
	require.NoError(t, err)
	return m
}

func TestSessionPairIDCanonical(t *testing.T) {
	require.Equal(t, sessionPairID("ABC234", "DEFG23"), sessionPairID("DEFG23", "ABC234"))
	require.Equal(t, "ABC234:DEFG23", sessionPairID("DEFG23", "ABC234"))
}

func TestSplitControlTag(t *testing.T) {
	tag, body := splitControlTag([]byte("typ:1"))
	require.Equal(t, TagTyping, tag)
	require.Equal(t, []byte("1"), body)

	tag, body = splitControlTag([]byte("rcpt:msg-42"))
	require.Equal(t, TagReadReceipt, tag)
	require.Equal(t, []byte("msg-42"), body)

	tag, body = splitControlTag([]byte("hello there"))
	require.Empty(t, tag)
	require.Equal(t, []byte("hello there"), body)

	// ratchet control messages pass through opaquely
	tag, _ = splitControlTag([]byte("ratchet:v1:blob"))
	require.Equal(t, TagRatchet, tag)
}

func TestManagerSelfCode(t *testing.T) {
	m := newTestManager(t)
	require.Regexp(t, `^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`, m.SelfCode())
}

func TestSendQueueBounded(t *testing.T) {
	m := newTestManager(t)

	m.call(func() {
		ps := m.ensurePeer("ABC234")
		ps.state = StateDiscovering
	})

	payload := []byte("queued message")
	for i := 0; i < sendQueueLimit+10; i++ {
		require.NoError(t, m.SendText("ABC234", payload))
	}

	m.call(func() {
		ps := m.peers["ABC234"]
		require.Len(t, ps.queue, sendQueueLimit)
	})
}

func TestSendTextToUnknownPeer(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.SendText("ABC234", []byte("x")), ErrPeerNotConnected)
}

func TestPairMatchedKeyChangeRefused(t *testing.T) {
	m := newTestManager(t)

	// Pin one key for the code, then present a different one.
	pinned := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	_, err := m.store.Trust(pinned, "ABC234")
	require.NoError(t, err)

	other := newTestManager(t)
	presented := other.id.PublicKeyBase64()

	isInit := false
	m.call(func() {
		m.handleSignal(&signaling.Message{
			Type:          signaling.TypePairMatched,
			PeerCode:      "ABC234",
			PeerPublicKey: presented,
			IsInitiator:   &isInit,
		})
	})

	select {
	case kc := <-m.Events().KeyChanges:
		require.Equal(t, "ABC234", kc.Code)
		require.NotEqual(t, kc.OldFingerprint, kc.NewFingerprint)
	case <-time.After(time.Second):
		t.Fatal("expected a key change event")
	}

	m.call(func() {
		require.Equal(t, StateFailed, m.peers["ABC234"].state)
	})
}

func TestPairFailureMarksRequestedPeers(t *testing.T) {
	m := newTestManager(t)

	m.call(func() {
		ps := m.ensurePeer("ABC234")
		ps.state = StateDiscovering
		ps.requested = true
	})

	m.call(func() {
		m.handleSignal(&signaling.Message{Type: signaling.TypePairTimeout})
	})

	m.call(func() {
		require.Equal(t, StateFailed, m.peers["ABC234"].state)
	})
}
