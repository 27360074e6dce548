// Package transport establishes the direct WebRTC leg between two paired
// clients: one reliable ordered data channel for messages, one for files,
// and the in-band cryptographic handshake that gates both.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/zajel-project/zajel/internal/logger"
)

const (
	channelMessages = "messages"
	channelFiles    = "files"

	maxFrameSize      = 1 << 20
	iceQueueLimit     = 100
	maxRetransmits    = uint16(3)
	handshakeTimeout  = 10 * time.Second
	highWaterMark     = 1 << 20
	lowWaterMark      = 256 << 10
	backpressureLimit = 30 * time.Second
)

// ErrFrameTooLarge is returned for outbound frames over the channel ceiling.
var ErrFrameTooLarge = errors.New("frame exceeds channel size limit")

// ErrChannelClosed is returned when sending on a closed transport.
var ErrChannelClosed = errors.New("data channel closed")

// handshakeMessage is the first (and only plaintext) message on the messages
// channel. Each side proves it owns the key it advertised via signaling.
type handshakeMessage struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

// Config carries the externally supplied ICE configuration. STUN-only by
// default.
type Config struct {
	StunServers []string
}

// PeerTransport wraps one RTCPeerConnection with the two Zajel channels.
//
// Callbacks fire from pion's internal goroutines; the owner (the connection
// manager) is expected to funnel them into its event loop.
type PeerTransport struct {
	mu sync.Mutex

	pc       *webrtc.PeerConnection
	messages *webrtc.DataChannel
	files    *webrtc.DataChannel

	selfPK    string
	initiator bool

	iceQueue  *candidateQueue
	remoteSet bool

	msgOpen       bool
	fileOpen      bool
	handshakeDone bool
	handshakeTmr  *time.Timer
	closed        bool

	// Backpressure on the files channel: sends block above the high-water
	// mark until the buffered amount drains below the low-water mark.
	drained chan struct{}

	log logger.Logger

	// OnLocalCandidate receives each locally gathered ICE candidate as an
	// opaque JSON payload for forwarding through signaling.
	OnLocalCandidate func(payload json.RawMessage)
	// OnOpen fires when the messages channel opens, before the in-band
	// handshake completes.
	OnOpen func()
	// OnHandshake receives the peer's in-band public key. Returning false
	// closes the transport (key mismatch).
	OnHandshake func(receivedKey []byte) bool
	// OnConnected fires once the in-band handshake has been verified.
	OnConnected func()
	// OnMessageFrame receives raw AEAD frames from the messages channel.
	OnMessageFrame func(frame []byte)
	// OnFileFrame receives raw frames from the files channel.
	OnFileFrame func(frame []byte)
	// OnClosed fires once when the transport dies for any reason.
	OnClosed func(err error)

	closeOnce sync.Once
}

// New creates a peer transport. The initiator creates both data channels;
// the responder adopts them by label from OnDataChannel.
func New(cfg Config, initiator bool, selfPKBase64 string) (*PeerTransport, error) {
	var iceServers []webrtc.ICEServer
	if len(cfg.StunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.StunServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PeerTransport{
		pc:        pc,
		selfPK:    selfPKBase64,
		initiator: initiator,
		iceQueue:  newCandidateQueue(iceQueueLimit),
		drained:   make(chan struct{}, 1),
		log:       logger.GetDefaultLogger().WithFields(logger.String("component", "transport")),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.OnLocalCandidate == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.log.Warn("failed to marshal local candidate", logger.Error(err))
			return
		}
		t.OnLocalCandidate(payload)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.fail(fmt.Errorf("peer connection %s", s))
		}
	})

	if initiator {
		ordered := true
		mr := maxRetransmits
		init := &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &mr}

		msgCh, err := pc.CreateDataChannel(channelMessages, init)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create messages channel: %w", err)
		}
		fileCh, err := pc.CreateDataChannel(channelFiles, init)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create files channel: %w", err)
		}
		t.adoptMessages(msgCh)
		t.adoptFiles(fileCh)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			switch dc.Label() {
			case channelMessages:
				t.adoptMessages(dc)
			case channelFiles:
				t.adoptFiles(dc)
			default:
				t.log.Warn("ignoring unexpected data channel", logger.String("label", dc.Label()))
			}
		})
	}

	return t, nil
}

func (t *PeerTransport) adoptMessages(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.messages = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.mu.Lock()
		t.msgOpen = true
		t.mu.Unlock()
		if t.OnOpen != nil {
			t.OnOpen()
		}
		t.sendHandshake()
		t.armHandshakeTimer()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleMessagesFrame(msg)
	})
	dc.OnClose(func() {
		t.fail(ErrChannelClosed)
	})
}

func (t *PeerTransport) adoptFiles(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.files = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		t.mu.Lock()
		t.fileOpen = true
		t.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) > maxFrameSize {
			t.log.Warn("dropping oversize file frame", logger.Int("size", len(msg.Data)))
			return
		}
		if t.OnFileFrame != nil {
			t.OnFileFrame(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.fail(ErrChannelClosed)
	})
}

func (t *PeerTransport) sendHandshake() {
	hs := handshakeMessage{Type: "handshake", PublicKey: t.selfPK}
	data, err := json.Marshal(hs)
	if err != nil {
		t.fail(fmt.Errorf("failed to marshal handshake: %w", err))
		return
	}
	t.mu.Lock()
	dc := t.messages
	t.mu.Unlock()
	if dc == nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		t.fail(fmt.Errorf("failed to send handshake: %w", err))
	}
}

func (t *PeerTransport) armHandshakeTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handshakeTmr != nil || t.handshakeDone {
		return
	}
	t.handshakeTmr = time.AfterFunc(handshakeTimeout, func() {
		t.mu.Lock()
		done := t.handshakeDone
		t.mu.Unlock()
		if !done {
			t.fail(errors.New("handshake timed out"))
		}
	})
}

// handleMessagesFrame routes the first frame into handshake verification and
// every later frame to the AEAD layer.
func (t *PeerTransport) handleMessagesFrame(msg webrtc.DataChannelMessage) {
	if len(msg.Data) > maxFrameSize {
		t.log.Warn("dropping oversize message frame", logger.Int("size", len(msg.Data)))
		return
	}

	t.mu.Lock()
	done := t.handshakeDone
	t.mu.Unlock()

	if !done {
		var hs handshakeMessage
		if err := json.Unmarshal(msg.Data, &hs); err != nil || hs.Type != "handshake" {
			t.fail(errors.New("expected handshake as first message"))
			return
		}
		raw, err := base64.StdEncoding.DecodeString(hs.PublicKey)
		if err != nil || len(raw) != 32 {
			t.fail(errors.New("handshake carried malformed key"))
			return
		}
		if t.OnHandshake != nil && !t.OnHandshake(raw) {
			t.fail(errors.New("handshake key verification failed"))
			return
		}
		t.mu.Lock()
		t.handshakeDone = true
		if t.handshakeTmr != nil {
			t.handshakeTmr.Stop()
		}
		t.mu.Unlock()
		if t.OnConnected != nil {
			t.OnConnected()
		}
		return
	}

	if t.OnMessageFrame != nil {
		t.OnMessageFrame(msg.Data)
	}
}

// CreateOffer produces the SDP offer payload for signaling.
func (t *PeerTransport) CreateOffer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(offer)
}

// HandleOffer applies the remote offer and returns the answer payload.
func (t *PeerTransport) HandleOffer(payload json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, fmt.Errorf("malformed offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	t.flushCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(answer)
}

// HandleAnswer applies the remote answer.
func (t *PeerTransport) HandleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("malformed answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	t.flushCandidates()
	return nil
}

// AddICECandidate applies a remote candidate, queuing it if the remote
// description is not set yet.
func (t *PeerTransport) AddICECandidate(payload json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("malformed ice candidate: %w", err)
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.iceQueue.Add(cand)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (t *PeerTransport) flushCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	queued := t.iceQueue.Flush()
	dropped := t.iceQueue.Dropped()
	t.mu.Unlock()

	if dropped > 0 {
		t.log.Warn("ice queue overflowed", logger.Int("dropped", dropped))
	}
	for _, c := range queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn("failed to apply queued ice candidate", logger.Error(err))
		}
	}
}

// SendMessageFrame sends one AEAD frame on the messages channel.
func (t *PeerTransport) SendMessageFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return ErrFrameTooLarge
	}
	t.mu.Lock()
	dc, open := t.messages, t.msgOpen && t.handshakeDone && !t.closed
	t.mu.Unlock()
	if dc == nil || !open {
		return ErrChannelClosed
	}
	return dc.Send(frame)
}

// SendFileFrame sends one frame on the files channel, honoring backpressure:
// above the high-water mark it blocks until the buffered amount drains below
// the low-water mark, with a safety timeout so a dying channel cannot wedge
// the sender forever.
func (t *PeerTransport) SendFileFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return ErrFrameTooLarge
	}
	t.mu.Lock()
	dc, open := t.files, t.fileOpen && !t.closed
	t.mu.Unlock()
	if dc == nil || !open {
		return ErrChannelClosed
	}

	if dc.BufferedAmount() > highWaterMark {
		select {
		case <-t.drained:
		case <-time.After(backpressureLimit):
			t.log.Warn("backpressure wait timed out; sending anyway")
		}
	}
	return dc.Send(frame)
}

// Connected reports whether the handshake has completed.
func (t *PeerTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshakeDone && !t.closed
}

func (t *PeerTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.handshakeTmr != nil {
			t.handshakeTmr.Stop()
		}
		t.mu.Unlock()
		_ = t.pc.Close()
		if t.OnClosed != nil {
			t.OnClosed(err)
		}
	})
}

// Close tears down the peer connection. Outstanding file sends fail, which
// the file engine observes as transfer cancellation.
func (t *PeerTransport) Close() {
	t.fail(nil)
}
