package rendezvous

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPointDerivation(t *testing.T) {
	aPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	cPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	pkA := aPriv.PublicKey().Bytes()
	pkB := bPriv.PublicKey().Bytes()
	pkC := cPriv.PublicKey().Bytes()

	t.Run("symmetric under key order", func(t *testing.T) {
		require.Equal(t, DailyPoint(pkA, pkB, 19000), DailyPoint(pkB, pkA, 19000))
		require.Equal(t, HourlyToken(pkA, pkB, 456000), HourlyToken(pkB, pkA, 456000))
	})

	t.Run("distinct per day, pair and label", func(t *testing.T) {
		require.NotEqual(t, DailyPoint(pkA, pkB, 19000), DailyPoint(pkA, pkB, 19001))
		require.NotEqual(t, DailyPoint(pkA, pkB, 19000), DailyPoint(pkA, pkC, 19000))
		require.NotEqual(t, DailyPoint(pkA, pkB, 19000), HourlyToken(pkA, pkB, 19000))
	})

	t.Run("window spans three days", func(t *testing.T) {
		now := time.Unix(19000*86400+3600, 0)
		require.Equal(t, []uint64{18999, 19000, 19001}, DailyWindow(now))
	})

	t.Run("bucket indices", func(t *testing.T) {
		at := time.Unix(86400+7200, 0)
		require.Equal(t, uint64(1), DayIndex(at))
		require.Equal(t, uint64(26), HourIndex(at))
	})
}

func TestDeadDropSealOpen(t *testing.T) {
	peerPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	rec := &Record{PairingCode: "ABC234", ServerURL: "wss://coord.example.com/ws"}

	packet, err := Seal(peerPriv.PublicKey(), rec)
	require.NoError(t, err)

	t.Run("intended peer can open", func(t *testing.T) {
		got, err := Open(peerPriv, packet)
		require.NoError(t, err)
		require.Equal(t, rec, got)
	})

	t.Run("wrong key fails opaquely", func(t *testing.T) {
		_, err := Open(otherPriv, packet)
		require.ErrorIs(t, err, ErrDeadDropUnreadable)
	})

	t.Run("truncated packet fails opaquely", func(t *testing.T) {
		_, err := Open(peerPriv, packet[:16])
		require.ErrorIs(t, err, ErrDeadDropUnreadable)
	})

	t.Run("tampered packet fails opaquely", func(t *testing.T) {
		bad := make([]byte, len(packet))
		copy(bad, packet)
		bad[len(bad)-1] ^= 0x01
		_, err := Open(peerPriv, bad)
		require.ErrorIs(t, err, ErrDeadDropUnreadable)
	})

	t.Run("malformed record fails opaquely", func(t *testing.T) {
		bogus, err := Seal(peerPriv.PublicKey(), &Record{PairingCode: "0000!!", ServerURL: "x"})
		require.NoError(t, err)
		_, err = Open(peerPriv, bogus)
		require.ErrorIs(t, err, ErrDeadDropUnreadable)
	})
}

type captureRegistrar struct {
	daily  []DailyRegistration
	hourly []string
}

func (c *captureRegistrar) RegisterRendezvous(daily []DailyRegistration, hourly []string) error {
	c.daily = daily
	c.hourly = hourly
	return nil
}

func TestEngineRegisterNow(t *testing.T) {
	selfPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	peerPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	reg := &captureRegistrar{}
	peers := func() []PeerKey {
		return []PeerKey{{PeerID: "p1", PublicKey: peerPriv.PublicKey().Bytes()}}
	}
	reach := func() Reachability {
		return Reachability{PairingCode: "DEFG23", ServerURL: "wss://coord.example.com/ws"}
	}

	e := NewEngine(selfPriv, reg, peers, reach)
	now := time.Unix(19000*86400+7200, 0)
	require.NoError(t, e.RegisterNow(now))

	require.Len(t, reg.daily, 3)
	require.Len(t, reg.hourly, 1)

	// The peer can open the attached drop and learn our code.
	rec, err := Open(peerPriv, reg.daily[0].DeadDrop)
	require.NoError(t, err)
	require.Equal(t, "DEFG23", rec.PairingCode)

	// The peer derives the same points.
	selfPK := selfPriv.PublicKey().Bytes()
	peerPK := peerPriv.PublicKey().Bytes()
	require.Equal(t, DailyPoint(peerPK, selfPK, 18999), reg.daily[0].Point)
	require.Equal(t, HourlyToken(peerPK, selfPK, HourIndex(now)), reg.hourly[0])
}

func TestEngineLiveMatchTieBreak(t *testing.T) {
	selfPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	reach := func() Reachability { return Reachability{PairingCode: "MMMM33", ServerURL: "wss://x"} }
	e := NewEngine(selfPriv, &captureRegistrar{}, func() []PeerKey { return nil }, reach)

	var gotCode string
	var gotInitiate bool
	e.OnLiveMatch = func(code string, initiate bool) {
		gotCode, gotInitiate = code, initiate
	}

	// Lower peer code: we initiate.
	e.HandleLiveMatch("AAAA22")
	require.Equal(t, "AAAA22", gotCode)
	require.True(t, gotInitiate)

	// Higher peer code: they initiate.
	e.HandleLiveMatch("ZZZZ99")
	require.False(t, gotInitiate)
}
