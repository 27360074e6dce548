// Package errcode maps errors to the stable codes surfaced to callers.
// Message strings attached to these codes are informational only; programs
// must branch on the code.
package errcode

import (
	"errors"

	"github.com/zajel-project/zajel/filetransfer"
	"github.com/zajel-project/zajel/pairing"
	"github.com/zajel-project/zajel/peer"
	"github.com/zajel-project/zajel/rendezvous"
	"github.com/zajel-project/zajel/session"
	"github.com/zajel-project/zajel/signaling"
	"github.com/zajel-project/zajel/transport"
)

const (
	InvalidInput      = "INVALID_INPUT"
	NotConnected      = "NOT_CONNECTED"
	ProtocolViolation = "PROTOCOL_VIOLATION"
	CryptoFailure     = "CRYPTO_FAILURE"
	DecryptionFailed  = "DECRYPTION_FAILED"
	ReplayDetected    = "REPLAY_DETECTED"
	CounterExhausted  = "COUNTER_EXHAUSTED"
	HandshakeMismatch = "HANDSHAKE_MISMATCH"
	Timeout           = "TIMEOUT"
	ResourceExhausted = "RESOURCE_EXHAUSTED"
	TransferFailed    = "TRANSFER_FAILED"
	Internal          = "INTERNAL_ERROR"
)

// Of resolves an error to its stable code. Unknown errors map to Internal:
// callers never see transport- or library-specific detail as a code.
func Of(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pairing.ErrInvalidCode):
		return InvalidInput
	case errors.Is(err, signaling.ErrNotConnected),
		errors.Is(err, peer.ErrPeerNotConnected):
		return NotConnected
	case errors.Is(err, signaling.ErrProtocolViolation):
		return ProtocolViolation
	case errors.Is(err, session.ErrReplayDetected):
		return ReplayDetected
	case errors.Is(err, session.ErrCounterExhausted):
		return CounterExhausted
	case errors.Is(err, session.ErrDecryptionFailed),
		errors.Is(err, session.ErrInvalidKey),
		errors.Is(err, rendezvous.ErrDeadDropUnreadable):
		// All cryptographic failures are deliberately indistinguishable.
		return DecryptionFailed
	case errors.Is(err, transport.ErrFrameTooLarge):
		return ProtocolViolation
	case errors.Is(err, transport.ErrChannelClosed):
		return NotConnected
	case errors.Is(err, filetransfer.ErrTransferExists),
		errors.Is(err, filetransfer.ErrTransferNotFound):
		return TransferFailed
	default:
		return Internal
	}
}
