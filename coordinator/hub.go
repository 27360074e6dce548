package coordinator

import (
	"encoding/base64"
	"math/rand"
	"time"

	"github.com/zajel-project/zajel/internal/logger"
	"github.com/zajel-project/zajel/internal/metrics"
	"github.com/zajel-project/zajel/signaling"
)

const (
	pairRequestTimeout = 60 * time.Second
	registrySweepEvery = 5 * time.Minute
	serverSweepEvery   = 60 * time.Second
	maxRelayResults    = 16
)

// pairPending is one outstanding pair request awaiting the target's answer.
type pairPending struct {
	fromID string
	timer  *time.Timer
}

// Hub serializes every registry mutation through a single event loop: one
// shard, one writer. Connections post closures; the loop owns the pairing
// index, relay bookkeeping, rendezvous registry and chunk index outright.
type Hub struct {
	log logger.Logger
	met *metrics.Coordinator

	events chan func()
	done   chan struct{}

	clients    map[string]*client // by connection id
	byCode     map[string]*client // pairing index
	pending    map[string]*pairPending
	rendezvous *RendezvousRegistry
	chunks     *ChunkIndex
	servers    *ServerRegistry
}

// NewHub creates a hub and starts its loop and GC alarms.
func NewHub(servers *ServerRegistry, met *metrics.Coordinator) *Hub {
	h := &Hub{
		log:        logger.GetDefaultLogger().WithFields(logger.String("component", "coordinator")),
		met:        met,
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*client),
		byCode:     make(map[string]*client),
		pending:    make(map[string]*pairPending),
		rendezvous: NewRendezvousRegistry(),
		chunks:     NewChunkIndex(),
		servers:    servers,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	registryTicker := time.NewTicker(registrySweepEvery)
	serverTicker := time.NewTicker(serverSweepEvery)
	defer registryTicker.Stop()
	defer serverTicker.Stop()

	for {
		select {
		case <-h.done:
			return
		case f := <-h.events:
			f()
		case now := <-registryTicker.C:
			h.rendezvous.Sweep(now)
			h.chunks.Sweep(now)
			h.updateGauges()
		case now := <-serverTicker.C:
			if h.servers != nil {
				h.servers.Sweep(now)
			}
		}
	}
}

// post schedules a closure on the hub loop.
func (h *Hub) post(f func()) {
	select {
	case <-h.done:
	case h.events <- f:
	}
}

// attach hands a fresh connection to the hub.
func (h *Hub) attach(c *client) {
	h.post(func() {
		h.clients[c.id] = c
		c.lastSeen = time.Now()
		if h.met != nil {
			h.met.ActiveConnections.Set(float64(len(h.clients)))
		}
	})
}

// Close drains every connection with peer_left and stops the loop.
func (h *Hub) Close() {
	doneCh := make(chan struct{})
	h.post(func() {
		for _, c := range h.clients {
			c.send(&signaling.Message{Type: signaling.TypePeerLeft})
			c.close()
		}
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
	}
	close(h.done)
}

func (h *Hub) updateGauges() {
	if h.met == nil {
		return
	}
	h.met.ActiveConnections.Set(float64(len(h.clients)))
	h.met.RegisteredCodes.Set(float64(len(h.byCode)))
	h.met.RendezvousEntries.Set(float64(h.rendezvous.EntryCount()))
	h.met.ChunkCacheSize.Set(float64(h.chunks.CacheSize()))
}

// handle dispatches one validated client message. Runs on the hub loop.
func (h *Hub) handle(c *client, msg *signaling.Message) {
	c.lastSeen = time.Now()

	switch msg.Type {
	case signaling.TypeRegister:
		h.handleRegister(c, msg)
	case signaling.TypePairRequest:
		h.handlePairRequest(c, msg)
	case signaling.TypePairResponse:
		h.handlePairResponse(c, msg)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate,
		signaling.TypeLinkRequest, signaling.TypeLinkResponse:
		h.forward(c, msg)
	case signaling.TypeRegisterRendezvous:
		h.handleRegisterRendezvous(c, msg)
	case signaling.TypeGetRelays:
		h.handleGetRelays(c)
	case signaling.TypeUpdateLoad:
		c.load = msg.Load
	case signaling.TypeHeartbeat:
		// lastSeen already bumped
	case signaling.TypePing:
		c.send(&signaling.Message{Type: signaling.TypePong})
	case signaling.TypeChunkAnnounce:
		h.handleChunkAnnounce(c, msg)
	case signaling.TypeChunkRequest:
		h.handleChunkRequest(c, msg)
	case signaling.TypeChunkPush:
		h.handleChunkPush(c, msg)
	default:
		h.log.Debug("ignoring client message", logger.String("type", string(msg.Type)))
	}
}

func (h *Hub) handleRegister(c *client, msg *signaling.Message) {
	code := msg.PairingCode

	if existing, ok := h.byCode[code]; ok && existing.id != c.id {
		if existing.publicKey != msg.PublicKey {
			// One registration per code; a different key may not take over.
			c.send(&signaling.Message{Type: signaling.TypeError, Reason: "code already registered"})
			return
		}
		// Same identity reconnecting: replace the stale connection.
		existing.close()
		h.disconnect(existing)
	}

	if c.code != "" && c.code != code {
		delete(h.byCode, c.code)
	}
	c.code = code
	c.publicKey = msg.PublicKey
	c.capacity = msg.Capacity
	h.byCode[code] = c

	if h.met != nil {
		h.met.RegisteredCodes.Set(float64(len(h.byCode)))
	}
	c.send(&signaling.Message{Type: signaling.TypeRegistered})
}

func pendingKey(fromCode, targetCode string) string {
	return fromCode + "|" + targetCode
}

func (h *Hub) handlePairRequest(c *client, msg *signaling.Message) {
	if h.met != nil {
		h.met.PairRequests.Inc()
	}
	if c.code == "" {
		c.send(&signaling.Message{Type: signaling.TypePairError, Reason: "not registered"})
		return
	}
	target, ok := h.byCode[msg.TargetCode]
	if !ok {
		c.send(&signaling.Message{Type: signaling.TypePairError, Reason: "unknown code"})
		return
	}

	key := pendingKey(c.code, target.code)
	if old, exists := h.pending[key]; exists {
		old.timer.Stop()
	}

	fromCode := c.code
	requesterID := c.id
	h.pending[key] = &pairPending{
		fromID: requesterID,
		timer: time.AfterFunc(pairRequestTimeout, func() {
			h.post(func() {
				if _, still := h.pending[key]; !still {
					return
				}
				delete(h.pending, key)
				if requester, ok := h.clients[requesterID]; ok {
					requester.send(&signaling.Message{Type: signaling.TypePairTimeout})
				}
			})
		}),
	}

	target.send(&signaling.Message{
		Type:          signaling.TypePairIncoming,
		FromCode:      fromCode,
		FromPublicKey: c.publicKey,
		ExpiresIn:     int(pairRequestTimeout / time.Second),
	})
}

func (h *Hub) handlePairResponse(c *client, msg *signaling.Message) {
	key := pendingKey(msg.TargetCode, c.code)
	p, ok := h.pending[key]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(h.pending, key)

	requester, ok := h.clients[p.fromID]
	if !ok {
		return
	}

	if msg.Accepted == nil || !*msg.Accepted {
		requester.send(&signaling.Message{Type: signaling.TypePairRejected})
		return
	}

	// The lexicographically higher code creates the WebRTC offer.
	reqInitiates := requester.code > c.code
	respInitiates := !reqInitiates

	requester.send(&signaling.Message{
		Type:          signaling.TypePairMatched,
		PeerCode:      c.code,
		PeerPublicKey: c.publicKey,
		IsInitiator:   &reqInitiates,
	})
	c.send(&signaling.Message{
		Type:          signaling.TypePairMatched,
		PeerCode:      requester.code,
		PeerPublicKey: requester.publicKey,
		IsInitiator:   &respInitiates,
	})
	if h.met != nil {
		h.met.PairMatches.Inc()
	}
}

// forward relays signaling opaquely. The payload is never parsed or
// modified.
func (h *Hub) forward(c *client, msg *signaling.Message) {
	target, ok := h.byCode[msg.Target]
	if !ok {
		c.send(&signaling.Message{Type: signaling.TypeError, Reason: "unknown target"})
		return
	}
	target.send(&signaling.Message{
		Type:    msg.Type,
		From:    c.code,
		Payload: msg.Payload,
	})
	if h.met != nil {
		h.met.SignalsForwarded.Inc()
	}
}

func (h *Hub) handleRegisterRendezvous(c *client, msg *signaling.Message) {
	now := time.Now()

	for _, entry := range msg.Daily {
		others := h.rendezvous.RegisterDaily(entry.Point, c.id, entry.DeadDrop, now)
		for _, other := range others {
			c.send(&signaling.Message{
				Type:     signaling.TypeRendezvousDeadDrop,
				Point:    entry.Point,
				DeadDrop: other.deadDrop,
			})
			if h.met != nil {
				h.met.DeadDropsServed.Inc()
			}
		}
	}

	for _, token := range msg.Hourly {
		others := h.rendezvous.RegisterHourly(token, c.id, c.code, now)
		for _, other := range others {
			c.send(&signaling.Message{Type: signaling.TypeRendezvousLiveMatch, PeerCode: other.code})
			if peer, ok := h.clients[other.peerID]; ok {
				peer.send(&signaling.Message{Type: signaling.TypeRendezvousLiveMatch, PeerCode: c.code})
			}
			if h.met != nil {
				h.met.LiveMatches.Inc()
			}
		}
	}
	h.updateGauges()
}

// handleGetRelays returns a shuffled subset of peers under half capacity.
func (h *Hub) handleGetRelays(c *client) {
	var candidates []*client
	for _, other := range h.clients {
		if other.id == c.id || other.capacity <= 0 {
			continue
		}
		if other.load*2 >= other.capacity {
			continue
		}
		candidates = append(candidates, other)
	}

	// Fisher–Yates
	for i := len(candidates) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	if len(candidates) > maxRelayResults {
		candidates = candidates[:maxRelayResults]
	}

	relays := make([]signaling.RelayInfo, 0, len(candidates))
	for _, r := range candidates {
		relays = append(relays, signaling.RelayInfo{PeerID: r.code, Capacity: r.capacity, Load: r.load})
	}
	c.send(&signaling.Message{Type: signaling.TypeRelayList, Relays: relays})
}

func (h *Hub) handleChunkAnnounce(c *client, msg *signaling.Message) {
	now := time.Now()
	for _, ref := range msg.Chunks {
		if h.chunks.Announce(ref.ID, c.id, now) {
			c.send(&signaling.Message{Type: signaling.TypeChunkPull, ChunkID: ref.ID})
		}
	}
	h.updateGauges()
}

func (h *Hub) handleChunkRequest(c *client, msg *signaling.Message) {
	data, sourceID, found := h.chunks.Request(msg.ChunkID, c.id, time.Now())
	switch {
	case data != nil:
		if h.met != nil {
			h.met.ChunkCacheHits.Inc()
		}
		c.send(&signaling.Message{
			Type:    signaling.TypeChunkData,
			ChunkID: msg.ChunkID,
			Bytes:   base64.StdEncoding.EncodeToString(data),
		})
	case found:
		if h.met != nil {
			h.met.ChunkCacheMisses.Inc()
		}
		if source, ok := h.clients[sourceID]; ok {
			source.send(&signaling.Message{Type: signaling.TypeChunkPull, ChunkID: msg.ChunkID})
		}
	default:
		c.send(&signaling.Message{Type: signaling.TypeChunkNotFound, ChunkID: msg.ChunkID})
	}
}

func (h *Hub) handleChunkPush(c *client, msg *signaling.Message) {
	raw, err := base64.StdEncoding.DecodeString(msg.Bytes)
	if err != nil {
		return // validator should have caught this
	}
	waiters, ok := h.chunks.Push(msg.ChunkID, raw, time.Now())
	if !ok {
		h.log.Warn("rejected chunk push", logger.String("chunk", msg.ChunkID))
		return
	}
	out := &signaling.Message{
		Type:    signaling.TypeChunkData,
		ChunkID: msg.ChunkID,
		Bytes:   msg.Bytes,
	}
	for _, waiterID := range waiters {
		if waiter, ok := h.clients[waiterID]; ok {
			waiter.send(out)
		}
	}
	h.updateGauges()
}

// disconnect removes a client from every registry. Runs on the hub loop.
func (h *Hub) disconnect(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if c.code != "" && h.byCode[c.code] == c {
		delete(h.byCode, c.code)
	}

	for key, p := range h.pending {
		if p.fromID == c.id {
			p.timer.Stop()
			delete(h.pending, key)
		}
	}

	h.rendezvous.RemovePeer(c.id)
	h.chunks.RemovePeer(c.id)
	h.updateGauges()
}
