package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zajel-project/zajel/internal/logger"
	"github.com/zajel-project/zajel/pairing"
	"github.com/zajel-project/zajel/rendezvous"
)

// State is the externally visible connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when a send is attempted while the channel is
// down.
var ErrNotConnected = errors.New("not connected to coordinator")

const (
	pingInterval   = 25 * time.Second
	livenessWindow = 2 * pingInterval
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	backoffBase    = time.Second
	backoffCap     = 30 * time.Second
)

// Handler receives every validated inbound message in arrival order.
type Handler func(msg *Message)

// Client is the reconnecting signaling channel to one coordinator. All
// frames are single JSON objects; TLS is the dialer's problem (wss URLs).
type Client struct {
	url     string
	handler Handler
	log     logger.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	// identity to re-register after a reconnect
	code string
	pk   string

	// OnStateChange, if set, observes every state transition.
	OnStateChange func(State)
	// OnReconnect, if set, runs after a successful re-registration so upper
	// layers can re-announce rendezvous state.
	OnReconnect func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a signaling client for the given wss URL. The handler is
// invoked sequentially from the read loop.
func NewClient(url string, handler Handler) *Client {
	return &Client{
		url:     url,
		handler: handler,
		state:   StateDisconnected,
		log:     logger.GetDefaultLogger().WithFields(logger.String("component", "signaling")),
	}
}

// URL returns the coordinator URL this client talks to.
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Connect dials the coordinator and starts the read and keepalive loops.
// Reconnection with backoff runs until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		c.setState(StateFailed)
		cancel()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("signaling dial failed: %w", err)
	}
	conn.SetReadLimit(MaxFrameSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

// run drives one connection at a time, reconnecting with exponential backoff
// and jitter.
func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.log.Warn("signaling connection lost", logger.Error(err))
		c.setState(StateDisconnected)

		for {
			delay := backoffBase << attempt
			if delay > backoffCap {
				delay = backoffCap
			}
			// jitter: 50–100% of the computed delay
			delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
			if attempt < 5 {
				attempt++
			}

			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(delay):
			}

			if err := c.dial(ctx); err != nil {
				c.log.Warn("signaling reconnect failed", logger.Error(err))
				continue
			}
			attempt = 0
			c.reRegister()
			break
		}
	}
}

// serve pumps one connection: keepalive pings and the read loop. Returns
// when the connection dies.
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if err := conn.SetReadDeadline(time.Now().Add(livenessWindow)); err != nil {
				readErr <- err
				return
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.dispatch(data)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return ctx.Err()
		case err := <-readErr:
			c.closeConn()
			return err
		case <-ticker.C:
			if err := c.Send(&Message{Type: TypePing}); err != nil {
				c.closeConn()
				return err
			}
		}
	}
}

// dispatch validates one inbound frame and hands it to the handler.
// Malformed messages are discarded with a log; they are recoverable.
func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("discarding malformed signaling frame", logger.Error(err))
		return
	}
	if err := Validate(&msg); err != nil {
		c.log.Warn("discarding invalid signaling frame",
			logger.String("type", string(msg.Type)), logger.Error(err))
		return
	}
	if msg.Type == TypePong {
		return
	}
	if c.handler != nil {
		c.handler(&msg)
	}
}

func (c *Client) reRegister() {
	c.mu.Lock()
	code, pk := c.code, c.pk
	c.mu.Unlock()
	if code == "" {
		return
	}
	if err := c.Send(&Message{Type: TypeRegister, PairingCode: code, PublicKey: pk}); err != nil {
		c.log.Warn("re-registration failed", logger.Error(err))
		return
	}
	if c.OnReconnect != nil {
		c.OnReconnect()
	}
}

// Send marshals and writes one message. Outbound messages are validated
// locally first; a frame the schema refuses never reaches the wire.
func (c *Client) Send(msg *Message) error {
	if msg.Type != TypePing {
		if err := Validate(msg); err != nil {
			return err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocolViolation, MaxFrameSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling write failed: %w", err)
	}
	return nil
}

// Register announces our pairing code and public key. The pair is retained
// for automatic re-registration after reconnects.
func (c *Client) Register(code, publicKeyBase64 string) error {
	norm, err := pairing.Validate(code)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.code, c.pk = norm, publicKeyBase64
	c.mu.Unlock()
	return c.Send(&Message{Type: TypeRegister, PairingCode: norm, PublicKey: publicKeyBase64})
}

// PairRequest asks the coordinator to forward a pairing request.
func (c *Client) PairRequest(targetCode string) error {
	norm, err := pairing.Validate(targetCode)
	if err != nil {
		return err
	}
	return c.Send(&Message{Type: TypePairRequest, TargetCode: norm})
}

// PairResponse accepts or rejects an incoming pairing request.
func (c *Client) PairResponse(targetCode string, accepted bool) error {
	norm, err := pairing.Validate(targetCode)
	if err != nil {
		return err
	}
	return c.Send(&Message{Type: TypePairResponse, TargetCode: norm, Accepted: &accepted})
}

// SendOffer forwards an SDP offer to the target code.
func (c *Client) SendOffer(target string, payload json.RawMessage) error {
	return c.Send(&Message{Type: TypeOffer, Target: target, Payload: payload})
}

// SendAnswer forwards an SDP answer to the target code.
func (c *Client) SendAnswer(target string, payload json.RawMessage) error {
	return c.Send(&Message{Type: TypeAnswer, Target: target, Payload: payload})
}

// SendICECandidate forwards one ICE candidate to the target code.
func (c *Client) SendICECandidate(target string, payload json.RawMessage) error {
	return c.Send(&Message{Type: TypeICECandidate, Target: target, Payload: payload})
}

// RegisterRendezvous registers daily points (with dead drops) and hourly
// tokens. Implements rendezvous.Registrar.
func (c *Client) RegisterRendezvous(daily []rendezvous.DailyRegistration, hourly []string) error {
	msg := &Message{Type: TypeRegisterRendezvous, Hourly: hourly}
	for _, d := range daily {
		msg.Daily = append(msg.Daily, DailyEntry{
			Point:    d.Point,
			DeadDrop: base64.StdEncoding.EncodeToString(d.DeadDrop),
		})
	}
	return c.Send(msg)
}

// GetRelays asks for relay candidates.
func (c *Client) GetRelays() error {
	return c.Send(&Message{Type: TypeGetRelays})
}

// UpdateLoad reports our relay load.
func (c *Client) UpdateLoad(load int) error {
	return c.Send(&Message{Type: TypeUpdateLoad, Load: load})
}

// AnnounceChunks announces chunks this peer can serve.
func (c *Client) AnnounceChunks(refs []ChunkRef) error {
	return c.Send(&Message{Type: TypeChunkAnnounce, Chunks: refs})
}

// RequestChunk asks for a chunk by id.
func (c *Client) RequestChunk(id string) error {
	return c.Send(&Message{Type: TypeChunkRequest, ChunkID: id})
}

// PushChunk uploads chunk bytes in response to a chunk_pull.
func (c *Client) PushChunk(id string, raw []byte) error {
	return c.Send(&Message{Type: TypeChunkPush, ChunkID: id, Bytes: base64.StdEncoding.EncodeToString(raw)})
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.closeConn()
	c.wg.Wait()
	c.setState(StateDisconnected)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
}
