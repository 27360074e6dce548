package rendezvous

import (
	"context"
	"crypto/ecdh"
	"time"

	"github.com/zajel-project/zajel/internal/logger"
)

// DailyRegistration pairs a daily meeting point with the dead drop to leave
// there.
type DailyRegistration struct {
	Point    string
	DeadDrop []byte
}

// Registrar is the slice of the signaling client the engine needs.
type Registrar interface {
	RegisterRendezvous(daily []DailyRegistration, hourly []string) error
}

// PeerKey identifies a trusted peer for point derivation.
type PeerKey struct {
	PeerID    string
	PublicKey []byte
}

// Reachability is how this client can currently be reached.
type Reachability struct {
	PairingCode string
	ServerURL   string
}

// Engine derives and registers meeting points for every trusted peer, seals
// dead drops, and turns inbound rendezvous events into pairing attempts.
type Engine struct {
	priv   *ecdh.PrivateKey
	selfPK []byte

	registrar    Registrar
	peers        func() []PeerKey
	reachability func() Reachability

	// OnDeadDrop fires when a retrieved drop decrypts and validates.
	OnDeadDrop func(rec *Record)
	// OnLiveMatch fires when the coordinator reports a live peer at one of
	// our hourly tokens. initiate is true when we hold the higher code.
	OnLiveMatch func(peerCode string, initiate bool)

	log logger.Logger
}

// NewEngine wires an engine to the identity key, a registrar and providers
// for the trusted-peer set and our current reachability.
func NewEngine(priv *ecdh.PrivateKey, registrar Registrar, peers func() []PeerKey, reach func() Reachability) *Engine {
	return &Engine{
		priv:         priv,
		selfPK:       priv.PublicKey().Bytes(),
		registrar:    registrar,
		peers:        peers,
		reachability: reach,
		log:          logger.GetDefaultLogger().WithFields(logger.String("component", "rendezvous")),
	}
}

// RegisterNow derives the 3-day daily window and the current hourly token
// for every trusted peer and registers them, attaching a sealed dead drop to
// each daily point.
func (e *Engine) RegisterNow(now time.Time) error {
	reach := e.reachability()
	rec := &Record{PairingCode: reach.PairingCode, ServerURL: reach.ServerURL}

	var daily []DailyRegistration
	var hourly []string

	for _, peer := range e.peers() {
		peerPub, err := ecdh.X25519().NewPublicKey(peer.PublicKey)
		if err != nil {
			e.log.Warn("skipping peer with bad key", logger.String("peer", peer.PeerID))
			continue
		}
		drop, err := Seal(peerPub, rec)
		if err != nil {
			e.log.Warn("failed to seal dead drop", logger.String("peer", peer.PeerID), logger.Error(err))
			continue
		}
		for _, day := range DailyWindow(now) {
			daily = append(daily, DailyRegistration{
				Point:    DailyPoint(e.selfPK, peer.PublicKey, day),
				DeadDrop: drop,
			})
		}
		hourly = append(hourly, HourlyToken(e.selfPK, peer.PublicKey, HourIndex(now)))
	}

	if len(daily) == 0 && len(hourly) == 0 {
		return nil
	}
	return e.registrar.RegisterRendezvous(daily, hourly)
}

// Run registers immediately and then once per hour until the context ends.
func (e *Engine) Run(ctx context.Context) {
	if err := e.RegisterNow(time.Now()); err != nil {
		e.log.Warn("rendezvous registration failed", logger.Error(err))
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RegisterNow(time.Now()); err != nil {
				e.log.Warn("rendezvous registration failed", logger.Error(err))
			}
		}
	}
}

// HandleDeadDrop processes a drop returned by the coordinator. Drops sealed
// to someone else are dropped silently.
func (e *Engine) HandleDeadDrop(packet []byte) {
	rec, err := Open(e.priv, packet)
	if err != nil {
		// Not ours, or corrupt. No observable side effect.
		e.log.Debug("discarding unreadable dead drop")
		return
	}
	if e.OnDeadDrop != nil {
		e.OnDeadDrop(rec)
	}
}

// HandleLiveMatch processes a live match at one of our hourly tokens. The
// lexicographically higher code initiates the pair request.
func (e *Engine) HandleLiveMatch(peerCode string) {
	selfCode := e.reachability().PairingCode
	if e.OnLiveMatch != nil {
		e.OnLiveMatch(peerCode, selfCode > peerCode)
	}
}
