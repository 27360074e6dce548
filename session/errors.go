package session

import "errors"

var (
	// ErrInvalidKey indicates the peer public key failed base64 or length validation.
	ErrInvalidKey = errors.New("invalid peer public key")

	// ErrDecryptionFailed is the single error returned for any decryption
	// failure. Which sub-check failed is deliberately not revealed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrReplayDetected indicates a sequence number was reused or is too old.
	ErrReplayDetected = errors.New("replay detected")

	// ErrCounterExhausted indicates the 32-bit send counter is spent; the
	// session must be re-established.
	ErrCounterExhausted = errors.New("send counter exhausted")

	// ErrSessionNotFound indicates no established session for the peer.
	ErrSessionNotFound = errors.New("session not found")
)
