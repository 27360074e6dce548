package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func freshEntries(now time.Time) []ServerEntry {
	return []ServerEntry{
		{ServerID: "eu-1", Endpoint: "wss://eu1.example.com/ws", PublicKey: "pk1", Region: "eu", RegisteredAt: now.Unix() - 600, LastSeen: now.Unix() - 5},
		{ServerID: "eu-2", Endpoint: "wss://eu2.example.com/ws", PublicKey: "pk2", Region: "eu", RegisteredAt: now.Unix() - 600, LastSeen: now.Unix() - 30},
		{ServerID: "us-1", Endpoint: "wss://us1.example.com/ws", PublicKey: "pk3", Region: "us", RegisteredAt: now.Unix() - 600, LastSeen: now.Unix() - 10},
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	pub, priv := testKeys(t)
	now := time.Now()

	list, err := Sign(priv, freshEntries(now), now.Unix())
	require.NoError(t, err)
	require.NoError(t, Verify(pub, list))

	t.Run("tampered entry fails", func(t *testing.T) {
		bad := *list
		bad.Servers = append([]ServerEntry(nil), list.Servers...)
		bad.Servers[0].Endpoint = "wss://evil.example.com/ws"
		require.Error(t, Verify(pub, &bad))
	})

	t.Run("tampered ts fails", func(t *testing.T) {
		bad := *list
		bad.Ts++
		require.Error(t, Verify(pub, &bad))
	})

	t.Run("wrong key fails", func(t *testing.T) {
		otherPub, _ := testKeys(t)
		require.Error(t, Verify(otherPub, list))
	})
}

func serveList(t *testing.T, priv ed25519.PrivateKey, entries func() []ServerEntry, ts func() int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := Sign(priv, entries(), ts())
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(list))
	}))
}

func TestClientFetch(t *testing.T) {
	pub, priv := testKeys(t)

	t.Run("verified fetch filters stale entries", func(t *testing.T) {
		srv := serveList(t, priv, func() []ServerEntry {
			now := time.Now()
			entries := freshEntries(now)
			entries = append(entries, ServerEntry{ServerID: "dead", Endpoint: "wss://dead", LastSeen: now.Unix() - 600})
			return entries
		}, func() int64 { return time.Now().Unix() })
		defer srv.Close()

		c := NewClient(srv.URL, pub, time.Second)
		entries, err := c.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for _, e := range entries {
			require.NotEqual(t, "dead", e.ServerID)
		}
	})

	t.Run("stale list timestamp rejected", func(t *testing.T) {
		srv := serveList(t, priv,
			func() []ServerEntry { return freshEntries(time.Now()) },
			func() int64 { return time.Now().Add(-10 * time.Minute).Unix() })
		defer srv.Close()

		c := NewClient(srv.URL, pub, time.Second)
		_, err := c.Fetch(context.Background())
		require.Error(t, err)
	})

	t.Run("wrong signer rejected", func(t *testing.T) {
		_, otherPriv := testKeys(t)
		srv := serveList(t, otherPriv,
			func() []ServerEntry { return freshEntries(time.Now()) },
			func() int64 { return time.Now().Unix() })
		defer srv.Close()

		c := NewClient(srv.URL, pub, time.Second)
		_, err := c.Fetch(context.Background())
		require.Error(t, err)
	})

	t.Run("concurrent fetches share one flight", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			time.Sleep(100 * time.Millisecond)
			list, err := Sign(priv, freshEntries(time.Now()), time.Now().Unix())
			require.NoError(t, err)
			require.NoError(t, json.NewEncoder(w).Encode(list))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, pub, time.Second)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entries, err := c.Fetch(context.Background())
				require.NoError(t, err)
				require.Len(t, entries, 3)
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), hits.Load())
	})

	t.Run("fetch error falls back to cache", func(t *testing.T) {
		var fail atomic.Bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			list, err := Sign(priv, freshEntries(time.Now()), time.Now().Unix())
			require.NoError(t, err)
			require.NoError(t, json.NewEncoder(w).Encode(list))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, pub, time.Second)
		first, err := c.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, first, 3)

		fail.Store(true)
		second, err := c.Fetch(context.Background())
		require.NoError(t, err)
		require.Equal(t, first, second)
	})
}

func TestSelectFrom(t *testing.T) {
	now := time.Now()
	entries := freshEntries(now)

	t.Run("prefers the requested region", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			pick, err := SelectFrom(append([]ServerEntry(nil), entries...), "us")
			require.NoError(t, err)
			require.Equal(t, "us", pick.Region)
		}
	})

	t.Run("falls back when region is empty", func(t *testing.T) {
		pick, err := SelectFrom(append([]ServerEntry(nil), entries...), "ap")
		require.NoError(t, err)
		require.NotNil(t, pick)
	})

	t.Run("picks among the freshest three", func(t *testing.T) {
		many := append([]ServerEntry(nil), entries...)
		many = append(many, ServerEntry{ServerID: "old", Region: "eu", LastSeen: now.Unix() - 100})
		for i := 0; i < 30; i++ {
			pick, err := SelectFrom(append([]ServerEntry(nil), many...), "")
			require.NoError(t, err)
			require.NotEqual(t, "old", pick.ServerID)
		}
	})

	t.Run("empty list errors", func(t *testing.T) {
		_, err := SelectFrom(nil, "")
		require.ErrorIs(t, err, ErrNoServers)
	})
}
