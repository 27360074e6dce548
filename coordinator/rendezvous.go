package coordinator

import "time"

// Rendezvous TTLs.
const (
	dailyDropTTL  = 48 * time.Hour
	hourlyLiveTTL = 3 * time.Hour
)

// dropEntry is one dead drop parked at a daily meeting point.
type dropEntry struct {
	peerID    string
	deadDrop  string // base64, opaque
	expiresAt time.Time
}

// liveEntry is one peer registered at an hourly token.
type liveEntry struct {
	peerID    string
	code      string
	expiresAt time.Time
}

// RendezvousRegistry holds the daily dead-drop and hourly live-match tables.
// Owned by the hub loop; not goroutine-safe.
type RendezvousRegistry struct {
	daily  map[string][]dropEntry
	hourly map[string][]liveEntry
}

// NewRendezvousRegistry creates an empty registry.
func NewRendezvousRegistry() *RendezvousRegistry {
	return &RendezvousRegistry{
		daily:  make(map[string][]dropEntry),
		hourly: make(map[string][]liveEntry),
	}
}

// RegisterDaily parks a dead drop at a point and returns every live drop
// other peers left there, GCing expired entries on touch.
func (r *RendezvousRegistry) RegisterDaily(point, peerID, deadDrop string, now time.Time) []dropEntry {
	var live []dropEntry
	var others []dropEntry
	for _, e := range r.daily[point] {
		if !e.expiresAt.After(now) {
			continue
		}
		if e.peerID == peerID {
			continue // replaced below
		}
		live = append(live, e)
		others = append(others, e)
	}
	live = append(live, dropEntry{peerID: peerID, deadDrop: deadDrop, expiresAt: now.Add(dailyDropTTL)})
	r.daily[point] = live
	return others
}

// RegisterHourly adds a peer at an hourly token and returns the other live
// peers already there (each of which forms a live match with the newcomer).
func (r *RendezvousRegistry) RegisterHourly(token, peerID, code string, now time.Time) []liveEntry {
	var live []liveEntry
	var others []liveEntry
	for _, e := range r.hourly[token] {
		if !e.expiresAt.After(now) {
			continue
		}
		if e.peerID == peerID {
			continue
		}
		live = append(live, e)
		others = append(others, e)
	}
	live = append(live, liveEntry{peerID: peerID, code: code, expiresAt: now.Add(hourlyLiveTTL)})
	r.hourly[token] = live
	return others
}

// RemovePeer drops every entry owned by a disconnected peer.
func (r *RendezvousRegistry) RemovePeer(peerID string) {
	for point, entries := range r.daily {
		kept := entries[:0]
		for _, e := range entries {
			if e.peerID != peerID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.daily, point)
		} else {
			r.daily[point] = kept
		}
	}
	for token, entries := range r.hourly {
		kept := entries[:0]
		for _, e := range entries {
			if e.peerID != peerID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.hourly, token)
		} else {
			r.hourly[token] = kept
		}
	}
}

// Sweep removes expired entries from both tables.
func (r *RendezvousRegistry) Sweep(now time.Time) {
	for point, entries := range r.daily {
		kept := entries[:0]
		for _, e := range entries {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.daily, point)
		} else {
			r.daily[point] = kept
		}
	}
	for token, entries := range r.hourly {
		kept := entries[:0]
		for _, e := range entries {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.hourly, token)
		} else {
			r.hourly[token] = kept
		}
	}
}

// EntryCount reports the total number of live entries, for metrics.
func (r *RendezvousRegistry) EntryCount() int {
	n := 0
	for _, entries := range r.daily {
		n += len(entries)
	}
	for _, entries := range r.hourly {
		n += len(entries)
	}
	return n
}
