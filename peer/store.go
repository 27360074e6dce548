package peer

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var peersBucket = []byte("trusted_peers")

// TrustedPeer is the persisted trust record for one peer, keyed by public
// key. The pairing code is transient routing info and is rebound on
// migration; the key is the identity.
type TrustedPeer struct {
	PublicKey    string    `json:"publicKey"`
	Code         string    `json:"code"`
	DisplayName  string    `json:"displayName,omitempty"`
	Alias        string    `json:"alias,omitempty"`
	TrustedSince time.Time `json:"trustedSince"`
	LastSeen     time.Time `json:"lastSeen"`
	Blocked      bool      `json:"blocked"`
}

// Store is the bbolt-backed trusted-peer database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the peer database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init peer store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for a public key, or nil.
func (s *Store) Get(publicKey string) (*TrustedPeer, error) {
	var rec *TrustedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(peersBucket).Get([]byte(publicKey))
		if data == nil {
			return nil
		}
		rec = &TrustedPeer{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read peer record: %w", err)
	}
	return rec, nil
}

// GetByCode returns the record currently bound to a pairing code, or nil.
func (s *Store) GetByCode(code string) (*TrustedPeer, error) {
	var rec *TrustedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			var p TrustedPeer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Code == code {
				rec = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan peer records: %w", err)
	}
	return rec, nil
}

// Put writes a record.
func (s *Store) Put(rec *TrustedPeer) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal peer record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(rec.PublicKey), data)
	})
}

// Trust records a successful pairing. First contact pins the key
// (trust-on-first-use); re-pairing under the same key with a new code
// migrates the existing record to that code, keeping the trust tag.
func (s *Store) Trust(publicKey, code string) (*TrustedPeer, error) {
	now := time.Now()
	rec, err := s.Get(publicKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &TrustedPeer{PublicKey: publicKey, Code: code, TrustedSince: now}
	}
	rec.Code = code
	rec.LastSeen = now
	if err := s.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkSeen bumps the last-seen timestamp.
func (s *Store) MarkSeen(publicKey string) error {
	rec, err := s.Get(publicKey)
	if err != nil || rec == nil {
		return err
	}
	rec.LastSeen = time.Now()
	return s.Put(rec)
}

// SetBlocked flips the blocked flag.
func (s *Store) SetBlocked(publicKey string, blocked bool) error {
	rec, err := s.Get(publicKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("unknown peer")
	}
	rec.Blocked = blocked
	return s.Put(rec)
}

// SetAlias sets the user-chosen alias.
func (s *Store) SetAlias(publicKey, alias string) error {
	rec, err := s.Get(publicKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("unknown peer")
	}
	rec.Alias = alias
	return s.Put(rec)
}

// List returns every trusted peer.
func (s *Store) List() ([]*TrustedPeer, error) {
	var out []*TrustedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			var p TrustedPeer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return out, nil
}
