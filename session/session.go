package session

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Direction selects which counter/window pair a frame belongs to. Text and
// binary traffic use separate counters so interleaving cannot corrupt either
// side's replay state.
type Direction int

const (
	DirectionText Direction = iota
	DirectionBinary
	numDirections
)

const sessionInfoPrefix = "zajel_session_"

// maxSequence is the first unusable value of the 32-bit sequence counter;
// reaching it is fatal for the session.
const maxSequence = 1<<32 - 1

// SecureSession holds the AEAD state shared with one peer: a 32-byte key
// derived from X25519 ECDH via HKDF-SHA256, per-direction send counters and
// per-direction receive replay windows.
//
// Frame layout: nonce(12) || AEAD(key, nonce, seq(4 BE) || plaintext).
type SecureSession struct {
	mu sync.Mutex

	peerID     string
	peerKey    []byte // raw 32-byte peer public key, pinned at establishment
	sessionKey []byte
	aead       cipher.AEAD

	sendCounters [numDirections]uint32
	recvWindows  [numDirections]ReplayWindow

	createdAt  time.Time
	lastUsedAt time.Time
}

// NewSecureSession performs ECDH between our identity key and the peer's
// base64-encoded public key and derives the session key with
// HKDF(info = "zajel_session_" || peerID). Counters and replay windows start
// from zero.
func NewSecureSession(peerID string, selfKey *ecdh.PrivateKey, peerPKBase64 string) (*SecureSession, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPKBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	peerPub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	shared, err := selfKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(sessionInfoPrefix+peerID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	now := time.Now()
	return &SecureSession{
		peerID:     peerID,
		peerKey:    raw,
		sessionKey: key,
		aead:       aead,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// PeerID returns the peer identifier this session is bound to.
func (s *SecureSession) PeerID() string {
	return s.peerID
}

// PeerKey returns the raw peer public key pinned at establishment.
func (s *SecureSession) PeerKey() []byte {
	out := make([]byte, len(s.peerKey))
	copy(out, s.peerKey)
	return out
}

// LastUsedAt returns the last activity timestamp.
func (s *SecureSession) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// SendCounter returns the current send counter for a direction.
func (s *SecureSession) SendCounter(dir Direction) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCounters[dir]
}

// ReceiveHighest returns the highest accepted receive sequence for a direction.
func (s *SecureSession) ReceiveHighest(dir Direction) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvWindows[dir].Highest()
}

// Encrypt seals plaintext into a wire frame with a fresh random nonce and the
// next sequence number for the direction. Returns ErrCounterExhausted once
// the 32-bit counter is spent; the session is then unusable for sending.
func (s *SecureSession) Encrypt(dir Direction, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(s.sendCounters[dir])+1 >= maxSequence {
		return nil, ErrCounterExhausted
	}
	s.sendCounters[dir]++
	seq := s.sendCounters[dir]

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	inner := make([]byte, 4+len(plaintext))
	binary.BigEndian.PutUint32(inner, seq)
	copy(inner[4:], plaintext)

	ciphertext := s.aead.Seal(nil, nonce, inner, nil)

	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)

	s.lastUsedAt = time.Now()
	return out, nil
}

// Decrypt opens a wire frame, checks the replay window and returns the
// plaintext. Authentication and framing failures all surface as
// ErrDecryptionFailed; replays surface as ErrReplayDetected.
func (s *SecureSession) Decrypt(dir Direction, frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce := frame[:chacha20poly1305.NonceSize]
	ciphertext := frame[chacha20poly1305.NonceSize:]

	inner, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(inner) < 4 {
		return nil, ErrDecryptionFailed
	}
	seq := binary.BigEndian.Uint32(inner[:4])
	if !s.recvWindows[dir].Accept(seq) {
		return nil, ErrReplayDetected
	}

	s.lastUsedAt = time.Now()
	return inner[4:], nil
}

// VerifyPeerKey compares a key received in band against the key pinned at
// establishment in constant time. Any mismatch is fatal for the session.
func (s *SecureSession) VerifyPeerKey(received []byte) bool {
	if len(received) != len(s.peerKey) {
		return false
	}
	return subtle.ConstantTimeCompare(received, s.peerKey) == 1
}

// Close zeroes the key material. The session must not be used afterwards.
func (s *SecureSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessionKey {
		s.sessionKey[i] = 0
	}
}
