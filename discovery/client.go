package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zajel-project/zajel/internal/logger"
)

const (
	maxResponseSize  = 1 << 20
	maxListAge       = 5 * time.Minute
	maxEntryStale    = 2 * time.Minute
	selectionPoolTop = 3
)

// ErrNoServers is returned when neither the fetch nor the cache yields any
// usable entry.
var ErrNoServers = errors.New("no coordinator servers available")

// Client fetches, verifies and caches the bootstrap server list.
type Client struct {
	bootstrapURL string
	verifyKey    ed25519.PublicKey
	httpClient   *http.Client
	log          logger.Logger

	// sf collapses concurrent fetches into one request; the periodic
	// refresher and on-demand Select calls share the same flight.
	sf singleflight.Group

	mu     sync.Mutex
	cached []ServerEntry
}

// NewClient creates a discovery client pinned to the operator's Ed25519
// verification key.
func NewClient(bootstrapURL string, verifyKey ed25519.PublicKey, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		bootstrapURL: bootstrapURL,
		verifyKey:    verifyKey,
		httpClient:   &http.Client{Timeout: timeout},
		log:          logger.GetDefaultLogger().WithFields(logger.String("component", "discovery")),
	}
}

// Fetch retrieves the signed list, verifies signature and freshness, filters
// stale entries and updates the cache. Concurrent callers share one
// in-flight request. On any error the previous cache is returned unchanged.
func (c *Client) Fetch(ctx context.Context) ([]ServerEntry, error) {
	v, err, _ := c.sf.Do("servers", func() (any, error) {
		return c.fetchVerified(ctx)
	})
	if err != nil {
		c.log.Warn("bootstrap fetch failed; using cache", logger.Error(err))
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.cached) == 0 {
			return nil, err
		}
		return append([]ServerEntry(nil), c.cached...), nil
	}
	entries := v.([]ServerEntry)

	c.mu.Lock()
	c.cached = entries
	c.mu.Unlock()
	return append([]ServerEntry(nil), entries...), nil
}

func (c *Client) fetchVerified(ctx context.Context) ([]ServerEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bootstrapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bootstrap request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap response: %w", err)
	}

	var list ServerList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("malformed bootstrap response: %w", err)
	}
	if err := Verify(c.verifyKey, &list); err != nil {
		return nil, err
	}

	now := time.Now()
	age := now.Sub(time.Unix(list.Ts, 0))
	if age < -maxListAge || age > maxListAge {
		return nil, fmt.Errorf("bootstrap list timestamp outside freshness window")
	}

	var fresh []ServerEntry
	for _, e := range list.Servers {
		if now.Sub(time.Unix(e.LastSeen, 0)) <= maxEntryStale {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// Select picks a coordinator: filter by preferred region (fall back to all
// when the filter empties the list), take the 3 freshest, choose uniformly.
func (c *Client) Select(ctx context.Context, preferredRegion string) (*ServerEntry, error) {
	entries, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return SelectFrom(entries, preferredRegion)
}

// SelectFrom applies the selection policy to an already fetched list.
func SelectFrom(entries []ServerEntry, preferredRegion string) (*ServerEntry, error) {
	if len(entries) == 0 {
		return nil, ErrNoServers
	}

	pool := entries
	if preferredRegion != "" {
		var regional []ServerEntry
		for _, e := range pool {
			if e.Region == preferredRegion {
				regional = append(regional, e)
			}
		}
		if len(regional) > 0 {
			pool = regional
		}
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].LastSeen > pool[j].LastSeen })
	if len(pool) > selectionPoolTop {
		pool = pool[:selectionPoolTop]
	}
	pick := pool[rand.Intn(len(pool))]
	return &pick, nil
}

// Run refreshes the cache periodically until the context ends.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Fetch(ctx); err != nil {
				c.log.Warn("periodic bootstrap refresh failed", logger.Error(err))
			}
		}
	}
}
