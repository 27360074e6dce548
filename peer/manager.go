// Package peer owns the peer map and drives every peer through its
// connection lifecycle: signaling events in, transport and file-engine
// effects out, with a clean event surface for the application.
package peer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/zajel-project/zajel/crypto/identity"
	"github.com/zajel-project/zajel/filetransfer"
	"github.com/zajel-project/zajel/internal/logger"
	"github.com/zajel-project/zajel/pairing"
	"github.com/zajel-project/zajel/session"
	"github.com/zajel-project/zajel/signaling"
	"github.com/zajel-project/zajel/transport"
)

const sendQueueLimit = 256

// ErrPeerNotConnected is returned when sending to a peer with no live
// transport and a full queue path is not applicable.
var ErrPeerNotConnected = errors.New("peer not connected")

// ErrPeerBlocked is returned for operations on a blocked peer.
var ErrPeerBlocked = errors.New("peer is blocked")

// RendezvousSink receives rendezvous events routed off the signaling
// channel.
type RendezvousSink interface {
	HandleDeadDrop(packet []byte)
	HandleLiveMatch(peerCode string)
}

// peerState is the manager's private per-peer record. Only the event loop
// touches it.
type peerState struct {
	code      string
	publicKey string
	pairID    string
	state     ConnState
	requested bool
	lastSeen  time.Time

	tr     *transport.PeerTransport
	engine *filetransfer.Engine
	queue  [][]byte

	// via is a temporary signaling connection to a remote coordinator for a
	// federated redirect; nil means the peer is reachable on our own
	// coordinator. Released once peer-to-peer transport is up.
	via *signaling.Client
}

// Manager composes identity, sessions, signaling and transport into the
// peer lifecycle state machine. All peer-map mutations run on a single
// event loop; callbacks from other subsystems post closures onto it.
type Manager struct {
	id       *identity.Manager
	sessions *session.Manager
	store    *Store
	sig      *signaling.Client

	transportCfg transport.Config
	ftCfg        filetransfer.Config

	selfCode string
	events   *Events
	log      logger.Logger

	// Rendezvous, if set, receives dead drops and live matches.
	Rendezvous RendezvousSink

	loop chan func()
	done chan struct{}

	peers map[string]*peerState
}

// NewManager builds a connection manager around an initialized identity and
// an open peer store. A fresh pairing code is generated per manager.
func NewManager(id *identity.Manager, store *Store, tcfg transport.Config, fcfg filetransfer.Config) (*Manager, error) {
	code, err := pairing.Generate()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		id:           id,
		sessions:     session.NewManager(id.PrivateKey()),
		store:        store,
		transportCfg: tcfg,
		ftCfg:        fcfg,
		selfCode:     code,
		events:       newEvents(),
		log:          logger.GetDefaultLogger().WithFields(logger.String("component", "peer")),
		loop:         make(chan func(), 256),
		done:         make(chan struct{}),
		peers:        make(map[string]*peerState),
	}
	go m.run()
	return m, nil
}

// SelfCode returns our current pairing code.
func (m *Manager) SelfCode() string {
	return m.selfCode
}

// Events returns the observable event surface.
func (m *Manager) Events() *Events {
	return m.events
}

// Signaling returns the underlying signaling client once connected.
func (m *Manager) Signaling() *signaling.Client {
	return m.sig
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case f := <-m.loop:
			f()
		}
	}
}

// post schedules a closure on the event loop.
func (m *Manager) post(f func()) {
	select {
	case <-m.done:
	case m.loop <- f:
	}
}

// call runs a closure on the event loop and waits for it.
func (m *Manager) call(f func()) {
	doneCh := make(chan struct{})
	m.post(func() {
		f()
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-m.done:
	}
}

// Connect dials the coordinator and registers our pairing code.
func (m *Manager) Connect(ctx context.Context, serverURL string) error {
	m.sig = signaling.NewClient(serverURL, func(msg *signaling.Message) {
		m.post(func() { m.handleSignal(msg) })
	})
	if err := m.sig.Connect(ctx); err != nil {
		return err
	}
	return m.sig.Register(m.selfCode, m.id.PublicKeyBase64())
}

// ConnectToPeer starts pairing with a remote code.
func (m *Manager) ConnectToPeer(code string) error {
	norm, err := pairing.Validate(code)
	if err != nil {
		return err
	}
	if m.sig == nil || m.sig.State() != signaling.StateConnected {
		return signaling.ErrNotConnected
	}
	m.post(func() {
		ps := m.ensurePeer(norm)
		if ps.state == StateConnected {
			return
		}
		ps.state = StateDiscovering
		ps.requested = true
		m.emitPeersChanged()
	})
	return m.sig.PairRequest(norm)
}

// ConnectToPeerVia pairs with a peer registered on a different coordinator:
// a federated redirect. An auxiliary signaling connection is opened against
// that coordinator and released once peer-to-peer transport is established.
func (m *Manager) ConnectToPeerVia(ctx context.Context, serverURL, code string) error {
	norm, err := pairing.Validate(code)
	if err != nil {
		return err
	}

	aux := signaling.NewClient(serverURL, func(msg *signaling.Message) {
		m.post(func() { m.handleSignal(msg) })
	})
	if err := aux.Connect(ctx); err != nil {
		return err
	}
	if err := aux.Register(m.selfCode, m.id.PublicKeyBase64()); err != nil {
		_ = aux.Close()
		return err
	}

	m.post(func() {
		ps := m.ensurePeer(norm)
		if ps.via != nil {
			_ = ps.via.Close()
		}
		ps.via = aux
		ps.state = StateDiscovering
		ps.requested = true
		m.emitPeersChanged()
	})
	return aux.PairRequest(norm)
}

// sigFor returns the signaling client the peer is reachable on: the
// auxiliary redirect connection if one is open, our coordinator otherwise.
func (m *Manager) sigFor(ps *peerState) *signaling.Client {
	if ps.via != nil {
		return ps.via
	}
	return m.sig
}

// RespondToPair accepts or rejects an incoming pairing request.
func (m *Manager) RespondToPair(code string, accept bool) error {
	if m.sig == nil {
		return signaling.ErrNotConnected
	}
	return m.sig.PairResponse(code, accept)
}

// SendText encrypts and sends a text payload (optionally carrying a control
// tag prefix) to a connected peer. Before the handshake completes, messages
// are queued bounded; the oldest is dropped on overflow.
func (m *Manager) SendText(code string, body []byte) error {
	var err error
	m.call(func() {
		ps, ok := m.peers[code]
		if !ok {
			err = ErrPeerNotConnected
			return
		}
		if ps.state == StateConnected {
			err = m.encryptAndSend(ps, body)
			return
		}
		if len(ps.queue) >= sendQueueLimit {
			ps.queue = ps.queue[1:]
			m.log.Warn("send queue overflow; dropping oldest pending message",
				logger.String("peer", code))
		}
		cp := make([]byte, len(body))
		copy(cp, body)
		ps.queue = append(ps.queue, cp)
	})
	return err
}

// SendFile starts a file transfer to a connected peer and returns the file
// id.
func (m *Manager) SendFile(code string, path string) (string, error) {
	var fileID string
	var err error
	m.call(func() {
		ps, ok := m.peers[code]
		if !ok || ps.state != StateConnected || ps.engine == nil {
			err = ErrPeerNotConnected
			return
		}
		fileID, err = ps.engine.SendFile(path)
	})
	return fileID, err
}

// CancelTransfer aborts a running transfer with a peer.
func (m *Manager) CancelTransfer(code, fileID string) error {
	var err error
	m.call(func() {
		ps, ok := m.peers[code]
		if !ok || ps.engine == nil {
			err = filetransfer.ErrTransferNotFound
			return
		}
		err = ps.engine.Cancel(fileID)
	})
	return err
}

// Peers returns a snapshot of the peer map.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	m.call(func() {
		out = m.snapshotLocked()
	})
	return out
}

// Close tears down every peer and the signaling channel.
func (m *Manager) Close() {
	m.call(func() {
		for _, ps := range m.peers {
			m.teardownLocked(ps, StateDisconnected)
		}
	})
	if m.sig != nil {
		_ = m.sig.Close()
	}
	m.sessions.Close()
	close(m.done)
}

// --- event-loop internals ---------------------------------------------

func (m *Manager) ensurePeer(code string) *peerState {
	ps, ok := m.peers[code]
	if !ok {
		ps = &peerState{code: code, state: StateDisconnected}
		m.peers[code] = ps
	}
	return ps
}

func (m *Manager) snapshotLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.peers))
	for _, ps := range m.peers {
		out = append(out, PeerInfo{Code: ps.code, PublicKey: ps.publicKey, State: ps.state, LastSeen: ps.lastSeen})
	}
	return out
}

func (m *Manager) emitPeersChanged() {
	push(m.events.PeersChanged, m.snapshotLocked())
}

// sessionPairID derives the peer-pair identifier both sides feed into key
// derivation: the two pairing codes in lexicographic order. Identical on
// both ends by construction.
func sessionPairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (m *Manager) handleSignal(msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeRegistered:
		m.log.Info("registered with coordinator", logger.String("code", m.selfCode))

	case signaling.TypePairIncoming:
		m.handlePairIncoming(msg)

	case signaling.TypePairMatched:
		m.handlePairMatched(msg)

	case signaling.TypePairRejected, signaling.TypePairTimeout, signaling.TypePairError:
		m.handlePairFailure(msg)

	case signaling.TypeOffer:
		m.handleOffer(msg)

	case signaling.TypeAnswer:
		m.handleAnswer(msg)

	case signaling.TypeICECandidate:
		m.handleRemoteCandidate(msg)

	case signaling.TypeRendezvousDeadDrop:
		if m.Rendezvous != nil {
			if raw, err := base64.StdEncoding.DecodeString(msg.DeadDrop); err == nil {
				m.Rendezvous.HandleDeadDrop(raw)
			}
		}

	case signaling.TypeRendezvousLiveMatch:
		if m.Rendezvous != nil {
			m.Rendezvous.HandleLiveMatch(msg.PeerCode)
		}

	case signaling.TypePeerLeft:
		// Direct connections survive coordinator-side departure.
		m.log.Debug("peer left coordinator")

	default:
		m.log.Debug("ignoring signaling message", logger.String("type", string(msg.Type)))
	}
}

func (m *Manager) handlePairIncoming(msg *signaling.Message) {
	from := msg.FromCode

	if rec, err := m.store.Get(msg.FromPublicKey); err == nil && rec != nil && rec.Blocked {
		m.log.Info("ignoring pair request from blocked peer", logger.String("code", from))
		return
	}

	ps, known := m.peers[from]

	// Already paired with this peer: short-circuit to the existing session.
	if known && ps.state == StateConnected {
		_ = m.sig.PairResponse(from, true)
		return
	}

	// Simultaneous requests: we asked them and they asked us. Accept; the
	// coordinator assigns the initiator role (higher code) in pair_matched.
	if known && ps.requested {
		_ = m.sig.PairResponse(from, true)
		return
	}

	fp, err := identity.FingerprintOf(msg.FromPublicKey)
	if err != nil {
		m.log.Warn("pair_incoming carried malformed key", logger.String("code", from))
		return
	}
	push(m.events.PairRequests, PairRequest{
		FromCode:    from,
		Fingerprint: fp,
		ExpiresIn:   time.Duration(msg.ExpiresIn) * time.Second,
	})
}

func (m *Manager) handlePairMatched(msg *signaling.Message) {
	code := msg.PeerCode
	peerPK := msg.PeerPublicKey
	initiator := msg.IsInitiator != nil && *msg.IsInitiator

	// Key pinned for this code must match the presented one. A mismatch is
	// the migration-or-MITM case: warn and refuse until reconfirmed.
	if rec, err := m.store.GetByCode(code); err == nil && rec != nil && rec.PublicKey != peerPK {
		oldFp, _ := identity.FingerprintOf(rec.PublicKey)
		newFp, _ := identity.FingerprintOf(peerPK)
		push(m.events.KeyChanges, KeyChange{Code: code, OldFingerprint: oldFp, NewFingerprint: newFp})
		ps := m.ensurePeer(code)
		ps.state = StateFailed
		m.emitPeersChanged()
		return
	}
	if rec, err := m.store.Get(peerPK); err == nil && rec != nil && rec.Blocked {
		m.log.Info("refusing match with blocked peer", logger.String("code", code))
		return
	}

	ps := m.ensurePeer(code)
	if ps.state == StateConnected {
		return
	}
	ps.publicKey = peerPK
	ps.pairID = sessionPairID(m.selfCode, code)

	if _, err := m.sessions.Establish(ps.pairID, peerPK); err != nil {
		m.log.Error("failed to establish session", logger.String("code", code), logger.Error(err))
		ps.state = StateFailed
		m.emitPeersChanged()
		return
	}

	if err := m.setupTransport(ps, initiator); err != nil {
		m.log.Error("failed to set up transport", logger.String("code", code), logger.Error(err))
		ps.state = StateFailed
		m.emitPeersChanged()
		return
	}

	ps.state = StateConnecting
	m.emitPeersChanged()

	if initiator {
		offer, err := ps.tr.CreateOffer()
		if err != nil {
			m.log.Error("failed to create offer", logger.Error(err))
			m.teardownLocked(ps, StateFailed)
			return
		}
		if err := m.sigFor(ps).SendOffer(code, offer); err != nil {
			m.log.Warn("failed to send offer", logger.Error(err))
			m.teardownLocked(ps, StateFailed)
		}
	}
}

func (m *Manager) setupTransport(ps *peerState, initiator bool) error {
	tr, err := transport.New(m.transportCfg, initiator, m.id.PublicKeyBase64())
	if err != nil {
		return err
	}
	code := ps.code
	pairID := ps.pairID

	tr.OnLocalCandidate = func(payload json.RawMessage) {
		m.post(func() {
			cur, ok := m.peers[code]
			if !ok {
				return
			}
			if err := m.sigFor(cur).SendICECandidate(code, payload); err != nil {
				m.log.Warn("failed to forward local candidate", logger.Error(err))
			}
		})
	}
	tr.OnOpen = func() {
		m.post(func() {
			if cur, ok := m.peers[code]; ok && cur.tr == tr && cur.state == StateConnecting {
				cur.state = StateHandshaking
				m.emitPeersChanged()
			}
		})
	}
	tr.OnHandshake = func(received []byte) bool {
		ok := m.sessions.VerifyPeerKey(pairID, received)
		if !ok {
			m.post(func() { m.onHandshakeMismatch(code, received) })
		}
		return ok
	}
	tr.OnConnected = func() {
		m.post(func() { m.onTransportConnected(code, tr) })
	}
	tr.OnMessageFrame = func(frame []byte) {
		m.post(func() { m.onMessageFrame(code, frame) })
	}
	tr.OnClosed = func(err error) {
		m.post(func() { m.onTransportClosed(code, tr, err) })
	}

	ps.tr = tr
	return nil
}

func (m *Manager) onHandshakeMismatch(code string, received []byte) {
	ps, ok := m.peers[code]
	if !ok {
		return
	}
	oldFp, _ := identity.FingerprintOf(ps.publicKey)
	newFp := identity.FingerprintBytes(received)
	push(m.events.KeyChanges, KeyChange{Code: code, OldFingerprint: oldFp, NewFingerprint: newFp})
	m.teardownLocked(ps, StateFailed)
	m.emitPeersChanged()
}

func (m *Manager) onTransportConnected(code string, tr *transport.PeerTransport) {
	ps, ok := m.peers[code]
	if !ok || ps.tr != tr {
		return
	}
	ps.state = StateConnected
	ps.lastSeen = time.Now()
	ps.requested = false

	// A federated redirect has served its purpose once the direct path is
	// up.
	if ps.via != nil {
		_ = ps.via.Close()
		ps.via = nil
	}

	if _, err := m.store.Trust(ps.publicKey, code); err != nil {
		m.log.Warn("failed to persist trust record", logger.Error(err))
	}

	// File engine rides the session's binary direction.
	crypter := &sessionCrypter{sessions: m.sessions, pairID: ps.pairID}
	ps.engine = filetransfer.NewEngine(m.ftCfg, tr, crypter)
	ps.engine.OnEvent = func(ev filetransfer.Event) {
		push(m.events.FileEvents, FileEvent{PeerCode: code, Event: ev})
	}
	tr.OnFileFrame = ps.engine.HandleFrame

	// Flush messages queued while connecting, in order.
	queued := ps.queue
	ps.queue = nil
	for _, body := range queued {
		if err := m.encryptAndSend(ps, body); err != nil {
			m.log.Warn("failed to flush queued message", logger.Error(err))
		}
	}

	m.emitPeersChanged()
	m.log.Info("peer connected", logger.String("code", code))
}

func (m *Manager) onTransportClosed(code string, tr *transport.PeerTransport, err error) {
	ps, ok := m.peers[code]
	if !ok || ps.tr != tr {
		return
	}
	if err != nil {
		m.log.Warn("transport closed", logger.String("code", code), logger.Error(err))
	}
	m.teardownLocked(ps, StateFailed)
	m.emitPeersChanged()
}

func (m *Manager) onMessageFrame(code string, frame []byte) {
	ps, ok := m.peers[code]
	if !ok || ps.state != StateConnected {
		return
	}
	plain, err := m.sessions.Decrypt(ps.pairID, session.DirectionText, frame)
	if err != nil {
		if errors.Is(err, session.ErrReplayDetected) {
			m.log.Warn("replayed message dropped", logger.String("code", code))
		} else {
			m.log.Warn("undecryptable message dropped", logger.String("code", code))
		}
		return
	}
	ps.lastSeen = time.Now()
	tag, body := splitControlTag(plain)
	push(m.events.Messages, Message{FromCode: code, Tag: tag, Body: body})
}

func (m *Manager) handlePairFailure(msg *signaling.Message) {
	for _, ps := range m.peers {
		if ps.requested && ps.state == StateDiscovering {
			ps.requested = false
			ps.state = StateFailed
		}
	}
	m.log.Info("pairing did not complete", logger.String("type", string(msg.Type)), logger.String("reason", msg.Reason))
	m.emitPeersChanged()
}

func (m *Manager) handleOffer(msg *signaling.Message) {
	ps, ok := m.peers[msg.From]
	if !ok || ps.tr == nil {
		m.log.Warn("offer for unknown peer", logger.String("code", msg.From))
		return
	}
	answer, err := ps.tr.HandleOffer(msg.Payload)
	if err != nil {
		m.log.Error("failed to handle offer", logger.Error(err))
		m.teardownLocked(ps, StateFailed)
		m.emitPeersChanged()
		return
	}
	if err := m.sigFor(ps).SendAnswer(msg.From, answer); err != nil {
		m.log.Warn("failed to send answer", logger.Error(err))
	}
}

func (m *Manager) handleAnswer(msg *signaling.Message) {
	ps, ok := m.peers[msg.From]
	if !ok || ps.tr == nil {
		return
	}
	if err := ps.tr.HandleAnswer(msg.Payload); err != nil {
		m.log.Error("failed to handle answer", logger.Error(err))
		m.teardownLocked(ps, StateFailed)
		m.emitPeersChanged()
	}
}

func (m *Manager) handleRemoteCandidate(msg *signaling.Message) {
	ps, ok := m.peers[msg.From]
	if !ok || ps.tr == nil {
		return
	}
	if err := ps.tr.AddICECandidate(msg.Payload); err != nil {
		m.log.Warn("failed to add remote candidate", logger.Error(err))
	}
}

func (m *Manager) encryptAndSend(ps *peerState, body []byte) error {
	frame, err := m.sessions.Encrypt(ps.pairID, session.DirectionText, body)
	if err != nil {
		return err
	}
	return ps.tr.SendMessageFrame(frame)
}

// teardownLocked releases everything owned for one peer: transport, file
// engine, session, queued messages.
func (m *Manager) teardownLocked(ps *peerState, final ConnState) {
	if ps.engine != nil {
		ps.engine.Close()
		ps.engine = nil
	}
	if ps.tr != nil {
		ps.tr.Close()
		ps.tr = nil
	}
	if ps.pairID != "" {
		m.sessions.Remove(ps.pairID)
	}
	if ps.via != nil {
		_ = ps.via.Close()
		ps.via = nil
	}
	ps.queue = nil
	ps.state = final
}

// sessionCrypter binds a file engine to the binary direction of the peer's
// session.
type sessionCrypter struct {
	sessions *session.Manager
	pairID   string
}

func (c *sessionCrypter) Encrypt(plaintext []byte) ([]byte, error) {
	return c.sessions.Encrypt(c.pairID, session.DirectionBinary, plaintext)
}

func (c *sessionCrypter) Decrypt(frame []byte) ([]byte, error) {
	return c.sessions.Decrypt(c.pairID, session.DirectionBinary, frame)
}
