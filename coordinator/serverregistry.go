package coordinator

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/zajel-project/zajel/discovery"
)

// serverTTL is how long a node registration lives without a heartbeat.
const serverTTL = 5 * time.Minute

// ServerRegistry tracks participating coordinator nodes and signs the
// bootstrap list with the operator key. HTTP handlers hit it from multiple
// goroutines, so unlike the WS registries it carries its own lock.
type ServerRegistry struct {
	mu      sync.Mutex
	signKey ed25519.PrivateKey
	servers map[string]*discovery.ServerEntry
}

// NewServerRegistry creates a registry signing with the given operator key.
func NewServerRegistry(signKey ed25519.PrivateKey) *ServerRegistry {
	return &ServerRegistry{
		signKey: signKey,
		servers: make(map[string]*discovery.ServerEntry),
	}
}

// Register inserts or refreshes a node registration.
func (r *ServerRegistry) Register(entry discovery.ServerEntry, now time.Time) error {
	if entry.ServerID == "" || entry.Endpoint == "" || entry.PublicKey == "" {
		return fmt.Errorf("server registration missing required fields")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.servers[entry.ServerID]; ok {
		existing.Endpoint = entry.Endpoint
		existing.PublicKey = entry.PublicKey
		existing.Region = entry.Region
		existing.LastSeen = now.Unix()
		return nil
	}
	entry.RegisteredAt = now.Unix()
	entry.LastSeen = now.Unix()
	r.servers[entry.ServerID] = &entry
	return nil
}

// Heartbeat refreshes a node's last-seen timestamp.
func (r *ServerRegistry) Heartbeat(serverID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.servers[serverID]
	if !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	entry.LastSeen = now.Unix()
	return nil
}

// Delete removes a node registration.
func (r *ServerRegistry) Delete(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
}

// Sweep drops registrations whose TTL lapsed without a heartbeat.
func (r *ServerRegistry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.servers {
		if now.Sub(time.Unix(entry.LastSeen, 0)) > serverTTL {
			delete(r.servers, id)
		}
	}
}

// SignedList produces the signed bootstrap response.
func (r *ServerRegistry) SignedList(now time.Time) (*discovery.ServerList, error) {
	r.mu.Lock()
	entries := make([]discovery.ServerEntry, 0, len(r.servers))
	for _, e := range r.servers {
		entries = append(entries, *e)
	}
	r.mu.Unlock()
	return discovery.Sign(r.signKey, entries, now.Unix())
}
