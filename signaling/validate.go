package signaling

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zajel-project/zajel/pairing"
)

// ErrProtocolViolation indicates a frame outside the declared schema.
var ErrProtocolViolation = errors.New("protocol violation")

// Schema limits. Caps on arrays and embedded payloads are defense in depth
// against a hostile coordinator or peer.
const (
	maxPayloadSize   = 256 << 10
	maxDailyEntries  = 128
	maxHourlyEntries = 64
	maxChunkRefs     = 256
	maxReasonLen     = 256
	maxPointLen      = 64 // hex SHA-256
)

// Validate checks a decoded message against the per-type schema. It must be
// called on every inbound message before dispatch and is reused by the
// coordinator for everything clients send.
func Validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrProtocolViolation)
	}
	switch m.Type {
	case TypeRegister:
		if err := validCode(m.PairingCode); err != nil {
			return err
		}
		return validKey(m.PublicKey)

	case TypePairRequest:
		return validCode(m.TargetCode)

	case TypePairResponse:
		if m.Accepted == nil {
			return fmt.Errorf("%w: pair_response missing accepted", ErrProtocolViolation)
		}
		return validCode(m.TargetCode)

	case TypeOffer, TypeAnswer, TypeICECandidate, TypeLinkRequest, TypeLinkResponse:
		if m.Target == "" && m.From == "" {
			return fmt.Errorf("%w: %s missing routing field", ErrProtocolViolation, m.Type)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: %s missing payload", ErrProtocolViolation, m.Type)
		}
		if len(m.Payload) > maxPayloadSize {
			return fmt.Errorf("%w: %s payload too large", ErrProtocolViolation, m.Type)
		}
		return nil

	case TypeRegisterRendezvous:
		if len(m.Daily) > maxDailyEntries || len(m.Hourly) > maxHourlyEntries {
			return fmt.Errorf("%w: rendezvous registration too large", ErrProtocolViolation)
		}
		for _, d := range m.Daily {
			if err := validPoint(d.Point); err != nil {
				return err
			}
			if len(d.DeadDrop) > maxPayloadSize {
				return fmt.Errorf("%w: dead drop too large", ErrProtocolViolation)
			}
		}
		for _, h := range m.Hourly {
			if err := validPoint(h); err != nil {
				return err
			}
		}
		return nil

	case TypeGetRelays, TypeHeartbeat, TypePing, TypePong, TypeRegistered,
		TypePairRejected, TypePairTimeout, TypePeerJoined, TypePeerLeft:
		return nil

	case TypeUpdateLoad:
		if m.Load < 0 {
			return fmt.Errorf("%w: negative load", ErrProtocolViolation)
		}
		return nil

	case TypeChunkAnnounce:
		if len(m.Chunks) == 0 || len(m.Chunks) > maxChunkRefs {
			return fmt.Errorf("%w: bad chunk_announce", ErrProtocolViolation)
		}
		for _, c := range m.Chunks {
			if c.ID == "" || len(c.ID) > maxPointLen || len(c.RoutingHash) > maxPointLen {
				return fmt.Errorf("%w: bad chunk ref", ErrProtocolViolation)
			}
		}
		return nil

	case TypeChunkRequest, TypeChunkPull, TypeChunkNotFound, TypeChunkAvailable:
		if m.ChunkID == "" || len(m.ChunkID) > maxPointLen {
			return fmt.Errorf("%w: bad chunk id", ErrProtocolViolation)
		}
		return nil

	case TypeChunkPush, TypeChunkData:
		if m.ChunkID == "" || len(m.ChunkID) > maxPointLen {
			return fmt.Errorf("%w: bad chunk id", ErrProtocolViolation)
		}
		raw, err := base64.StdEncoding.DecodeString(m.Bytes)
		if err != nil {
			return fmt.Errorf("%w: chunk bytes not base64", ErrProtocolViolation)
		}
		if len(raw) == 0 || len(raw) > MaxChunkPayload {
			return fmt.Errorf("%w: chunk payload size", ErrProtocolViolation)
		}
		return nil

	case TypePairIncoming:
		if err := validCode(m.FromCode); err != nil {
			return err
		}
		return validKey(m.FromPublicKey)

	case TypePairMatched:
		if err := validCode(m.PeerCode); err != nil {
			return err
		}
		if err := validKey(m.PeerPublicKey); err != nil {
			return err
		}
		if m.IsInitiator == nil {
			return fmt.Errorf("%w: pair_matched missing isInitiator", ErrProtocolViolation)
		}
		return nil

	case TypePairError, TypeError:
		if len(m.Reason) > maxReasonLen || len(m.Message) > maxReasonLen {
			return fmt.Errorf("%w: oversize diagnostic", ErrProtocolViolation)
		}
		return nil

	case TypeRelayList:
		if len(m.Relays) > maxChunkRefs {
			return fmt.Errorf("%w: oversize relay list", ErrProtocolViolation)
		}
		return nil

	case TypeRendezvousDeadDrop:
		if err := validPoint(m.Point); err != nil {
			return err
		}
		if m.DeadDrop == "" || len(m.DeadDrop) > maxPayloadSize {
			return fmt.Errorf("%w: bad dead drop", ErrProtocolViolation)
		}
		return nil

	case TypeRendezvousLiveMatch:
		return validCode(m.PeerCode)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrProtocolViolation, m.Type)
	}
}

func validCode(code string) error {
	if _, err := pairing.Validate(code); err != nil {
		return fmt.Errorf("%w: bad pairing code", ErrProtocolViolation)
	}
	return nil
}

func validKey(pkBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(pkBase64)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: bad public key", ErrProtocolViolation)
	}
	return nil
}

func validPoint(point string) error {
	if len(point) == 0 || len(point) > maxPointLen {
		return fmt.Errorf("%w: bad meeting point", ErrProtocolViolation)
	}
	for _, r := range point {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("%w: bad meeting point", ErrProtocolViolation)
		}
	}
	return nil
}
