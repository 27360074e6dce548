// Package signaling implements the JSON-framed WebSocket channel between a
// client and the coordinator: the closed message schema, a strict validator
// and a reconnecting client.
package signaling

import "encoding/json"

// Type discriminates wire messages. The set is closed: anything else is a
// protocol violation.
type Type string

// Outbound (client → coordinator) message types.
const (
	TypeRegister           Type = "register"
	TypePairRequest        Type = "pair_request"
	TypePairResponse       Type = "pair_response"
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice_candidate"
	TypeLinkRequest        Type = "link_request"
	TypeLinkResponse       Type = "link_response"
	TypeRegisterRendezvous Type = "register_rendezvous"
	TypeGetRelays          Type = "get_relays"
	TypeUpdateLoad         Type = "update_load"
	TypeHeartbeat          Type = "heartbeat"
	TypePing               Type = "ping"
	TypeChunkAnnounce      Type = "chunk_announce"
	TypeChunkRequest       Type = "chunk_request"
	TypeChunkPush          Type = "chunk_push"
)

// Inbound (coordinator → client) message types.
const (
	TypeRegistered          Type = "registered"
	TypePairIncoming        Type = "pair_incoming"
	TypePairMatched         Type = "pair_matched"
	TypePairRejected        Type = "pair_rejected"
	TypePairTimeout         Type = "pair_timeout"
	TypePairError           Type = "pair_error"
	TypeChunkData           Type = "chunk_data"
	TypeChunkPull           Type = "chunk_pull"
	TypeChunkAvailable      Type = "chunk_available"
	TypeChunkNotFound       Type = "chunk_not_found"
	TypePeerJoined          Type = "peer_joined"
	TypePeerLeft            Type = "peer_left"
	TypePong                Type = "pong"
	TypeError               Type = "error"
	TypeRelayList           Type = "relay_list"
	TypeRendezvousDeadDrop  Type = "rendezvous_deaddrop"
	TypeRendezvousLiveMatch Type = "rendezvous_live_match"
)

// MaxFrameSize is the WebSocket frame ceiling. Anything larger is a fatal
// protocol violation.
const MaxFrameSize = 1 << 20

// MaxChunkPayload bounds a single distributed chunk (raw bytes, pre-base64).
const MaxChunkPayload = 64 << 10

// DailyEntry registers one daily meeting point, optionally with a sealed
// dead drop (base64).
type DailyEntry struct {
	Point    string `json:"point"`
	DeadDrop string `json:"deadDrop,omitempty"`
}

// ChunkRef announces one chunk this peer can serve.
type ChunkRef struct {
	ID          string `json:"id"`
	RoutingHash string `json:"routingHash"`
}

// RelayInfo describes one relay candidate returned by get_relays.
type RelayInfo struct {
	PeerID   string `json:"peerId"`
	Endpoint string `json:"endpoint,omitempty"`
	Capacity int    `json:"capacity"`
	Load     int    `json:"load"`
}

// Message is the single wire envelope. One JSON object per WebSocket text
// frame; which fields are required depends on Type (see Validate). Unknown
// fields are ignored on decode.
type Message struct {
	Type Type `json:"type"`

	// register
	PairingCode string `json:"pairingCode,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	Capacity    int    `json:"capacity,omitempty"`

	// pair_request / pair_response
	TargetCode string `json:"targetCode,omitempty"`
	Accepted   *bool  `json:"accepted,omitempty"`

	// signaling forwards; Payload is opaque SDP/ICE JSON and must never be
	// parsed by the coordinator
	Target  string          `json:"target,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// pair_incoming / pair_matched
	FromCode      string `json:"fromCode,omitempty"`
	FromPublicKey string `json:"fromPublicKey,omitempty"`
	PeerCode      string `json:"peerCode,omitempty"`
	PeerPublicKey string `json:"peerPublicKey,omitempty"`
	IsInitiator   *bool  `json:"isInitiator,omitempty"`
	ExpiresIn     int    `json:"expiresIn,omitempty"`

	// rendezvous
	Daily    []DailyEntry `json:"daily,omitempty"`
	Hourly   []string     `json:"hourly,omitempty"`
	Point    string       `json:"point,omitempty"`
	DeadDrop string       `json:"deadDrop,omitempty"`

	// relays
	Load   int         `json:"load,omitempty"`
	Relays []RelayInfo `json:"relays,omitempty"`

	// chunk distribution
	Chunks  []ChunkRef `json:"chunks,omitempty"`
	ChunkID string     `json:"id,omitempty"`
	Bytes   string     `json:"bytes,omitempty"`

	// errors and diagnostics
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}
