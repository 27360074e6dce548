package peer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreTrustOnFirstUse(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Trust("pk-one", "ABC234")
	require.NoError(t, err)
	require.Equal(t, "ABC234", rec.Code)
	require.False(t, rec.TrustedSince.IsZero())

	got, err := s.Get("pk-one")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.TrustedSince.Unix(), got.TrustedSince.Unix())
}

func TestStorePeerMigration(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Trust("pk-one", "ABC234")
	require.NoError(t, err)

	// Same key re-pairs under a new code: record is rebound, trust kept.
	second, err := s.Trust("pk-one", "XYZW89")
	require.NoError(t, err)
	require.Equal(t, "XYZW89", second.Code)
	require.Equal(t, first.TrustedSince.Unix(), second.TrustedSince.Unix())

	byOld, err := s.GetByCode("ABC234")
	require.NoError(t, err)
	require.Nil(t, byOld)

	byNew, err := s.GetByCode("XYZW89")
	require.NoError(t, err)
	require.NotNil(t, byNew)
	require.Equal(t, "pk-one", byNew.PublicKey)
}

func TestStoreBlockAndAlias(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Trust("pk-one", "ABC234")
	require.NoError(t, err)

	require.NoError(t, s.SetBlocked("pk-one", true))
	require.NoError(t, s.SetAlias("pk-one", "work laptop"))

	rec, err := s.Get("pk-one")
	require.NoError(t, err)
	require.True(t, rec.Blocked)
	require.Equal(t, "work laptop", rec.Alias)

	require.Error(t, s.SetBlocked("pk-unknown", true))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
