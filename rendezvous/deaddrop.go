package rendezvous

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"

	"github.com/zajel-project/zajel/pairing"
)

const deadDropInfo = "zajel_deaddrop_v1"

// encLen is the X25519 KEM encapsulated-key length at the front of a packet.
const encLen = 32

// ErrDeadDropUnreadable is returned for any packet this client cannot open.
// It carries no detail: a drop sealed to someone else must not be
// distinguishable from a corrupt one.
var ErrDeadDropUnreadable = errors.New("dead drop unreadable")

// Record is the reachability info left at a daily meeting point for an
// offline peer.
type Record struct {
	PairingCode string `json:"code"`
	ServerURL   string `json:"serverUrl"`
}

func suite() hpke.Suite {
	return hpke.NewSuite(
		hpke.KEM_X25519_HKDF_SHA256,
		hpke.KDF_HKDF_SHA256,
		hpke.AEAD_ChaCha20Poly1305,
	)
}

// Seal encrypts a reachability record to the peer's public key using HPKE
// Base mode. Packet layout: enc(32) || ciphertext.
func Seal(peerPub *ecdh.PublicKey, rec *Record) ([]byte, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	rp, err := kem.UnmarshalBinaryPublicKey(peerPub.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hpke unmarshal pub: %w", err)
	}

	sender, err := suite().NewSender(rp, []byte(deadDropInfo))
	if err != nil {
		return nil, fmt.Errorf("hpke new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}

	return append(append([]byte{}, enc...), ct...), nil
}

// Open decrypts a dead-drop packet with our identity private key and
// validates the record inside. Every failure collapses to
// ErrDeadDropUnreadable so a mismatched drop yields no observable detail.
func Open(priv *ecdh.PrivateKey, packet []byte) (*Record, error) {
	if len(packet) < encLen {
		return nil, ErrDeadDropUnreadable
	}
	enc := packet[:encLen]
	ct := packet[encLen:]

	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(priv.Bytes())
	if err != nil {
		return nil, ErrDeadDropUnreadable
	}
	receiver, err := suite().NewReceiver(skR, []byte(deadDropInfo))
	if err != nil {
		return nil, ErrDeadDropUnreadable
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, ErrDeadDropUnreadable
	}
	plaintext, err := opener.Open(ct, nil)
	if err != nil {
		return nil, ErrDeadDropUnreadable
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, ErrDeadDropUnreadable
	}
	if _, err := pairing.Validate(rec.PairingCode); err != nil {
		return nil, ErrDeadDropUnreadable
	}
	if rec.ServerURL == "" {
		return nil, ErrDeadDropUnreadable
	}
	return &rec, nil
}
