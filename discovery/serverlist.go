// Package discovery implements the signed bootstrap server list: the wire
// codec and signature scheme shared with the coordinator, and the
// client-side fetch/verify/select logic.
package discovery

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ServerEntry describes one coordinator node in the bootstrap list.
// Timestamps are Unix seconds so signing bytes are reproducible on both
// ends.
type ServerEntry struct {
	ServerID     string `json:"serverId"`
	Endpoint     string `json:"endpoint"`
	PublicKey    string `json:"publicKey"`
	Region       string `json:"region,omitempty"`
	RegisteredAt int64  `json:"registeredAt"`
	LastSeen     int64  `json:"lastSeen"`
}

// ServerList is the GET /servers response body. Signature covers
// marshal(servers) || decimal(ts) under the operator's Ed25519 key.
type ServerList struct {
	Servers   []ServerEntry `json:"servers"`
	Ts        int64         `json:"ts"`
	Signature string        `json:"signature"`
}

// signingBytes produces the byte string the signature covers.
func signingBytes(servers []ServerEntry, ts int64) ([]byte, error) {
	body, err := json.Marshal(servers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server list: %w", err)
	}
	return append(body, []byte(strconv.FormatInt(ts, 10))...), nil
}

// Sign produces a signed list for the given entries and timestamp.
func Sign(priv ed25519.PrivateKey, servers []ServerEntry, ts int64) (*ServerList, error) {
	msg, err := signingBytes(servers, ts)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, msg)
	return &ServerList{
		Servers:   servers,
		Ts:        ts,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks the list's signature against the pinned operator key.
func Verify(pub ed25519.PublicKey, list *ServerList) error {
	sig, err := base64.RawURLEncoding.DecodeString(list.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	msg, err := signingBytes(list.Servers, list.Ts)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("server list signature verification failed")
	}
	return nil
}
