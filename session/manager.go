package session

import (
	"crypto/ecdh"
	"sync"
)

// Manager owns all per-peer sessions, keyed by peer identifier.
type Manager struct {
	mu       sync.RWMutex
	selfKey  *ecdh.PrivateKey
	sessions map[string]*SecureSession
}

// NewManager creates a session manager bound to our identity private key.
func NewManager(selfKey *ecdh.PrivateKey) *Manager {
	return &Manager{
		selfKey:  selfKey,
		sessions: make(map[string]*SecureSession),
	}
}

// Establish derives a fresh session with the peer, replacing any existing
// one. Replacing resets both send counters and both replay windows.
func (m *Manager) Establish(peerID, peerPKBase64 string) (*SecureSession, error) {
	sess, err := NewSecureSession(peerID, m.selfKey, peerPKBase64)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.sessions[peerID]; ok {
		old.Close()
	}
	m.sessions[peerID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session for a peer, if established.
func (m *Manager) Get(peerID string) (*SecureSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[peerID]
	return sess, ok
}

// Encrypt seals plaintext for the peer in the given direction.
func (m *Manager) Encrypt(peerID string, dir Direction, plaintext []byte) ([]byte, error) {
	sess, ok := m.Get(peerID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Encrypt(dir, plaintext)
}

// Decrypt opens a frame from the peer in the given direction.
func (m *Manager) Decrypt(peerID string, dir Direction, frame []byte) ([]byte, error) {
	sess, ok := m.Get(peerID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Decrypt(dir, frame)
}

// VerifyPeerKey checks an in-band key against the pinned key for the peer.
func (m *Manager) VerifyPeerKey(peerID string, received []byte) bool {
	sess, ok := m.Get(peerID)
	if !ok {
		return false
	}
	return sess.VerifyPeerKey(received)
}

// Remove closes and drops the session for a peer.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[peerID]; ok {
		sess.Close()
		delete(m.sessions, peerID)
	}
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		sess.Close()
		delete(m.sessions, id)
	}
}
