package filetransfer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/zajel-project/zajel/internal/logger"
)

// FrameSender delivers one frame to the peer's files channel. The transport
// applies backpressure inside this call.
type FrameSender interface {
	SendFileFrame(frame []byte) error
}

// Crypter seals and opens chunk payloads. The peer wiring binds this to the
// binary direction of the peer's session.
type Crypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(frame []byte) ([]byte, error)
}

// Config tunes the transfer engine. Zero values take the defaults.
type Config struct {
	ChunkSize     int
	MaxFileSize   int64
	WindowSize    int
	AckTimeout    time.Duration
	MaxRetries    int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = 16 << 10
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 100 << 20
	}
	if c.WindowSize == 0 {
		c.WindowSize = 16
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// ErrTransferExists is returned when a file id is already active.
var ErrTransferExists = errors.New("transfer already active for file id")

// ErrTransferNotFound is returned for operations on unknown transfers.
var ErrTransferNotFound = errors.New("transfer not found")

// Engine runs all transfers with one peer, both directions. It is driven by
// inbound frames (HandleFrame), application calls (Send, Cancel) and its
// idle sweep.
type Engine struct {
	cfg   Config
	send  FrameSender
	crypt Crypter
	log   logger.Logger

	// OnEvent observes transfer progress. Called without the engine lock.
	OnEvent func(Event)

	mu       sync.Mutex
	outgoing map[string]*outgoingTransfer
	incoming map[string]*incomingTransfer

	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine creates an engine bound to one peer's transport and cipher and
// starts the idle sweep.
func NewEngine(cfg Config, send FrameSender, crypt Crypter) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		send:     send,
		crypt:    crypt,
		log:      logger.GetDefaultLogger().WithFields(logger.String("component", "filetransfer")),
		outgoing: make(map[string]*outgoingTransfer),
		incoming: make(map[string]*incomingTransfer),
		done:     make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// Close stops the sweep and cancels every non-terminal transfer.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	e.mu.Lock()
	var events []Event
	for _, out := range e.outgoing {
		if !out.state.terminal() {
			events = append(events, e.finishOutgoingLocked(out, StateCancelled, "engine closed"))
		}
	}
	for _, in := range e.incoming {
		if !in.state.terminal() {
			in.state = StateCancelled
			events = append(events, Event{Kind: EventCancelled, FileID: in.id, FileName: in.name, Reason: "engine closed"})
		}
	}
	e.mu.Unlock()
	e.emitAll(events)
}

// HandleFrame processes one inbound frame from the files channel.
func (e *Engine) HandleFrame(frame []byte) {
	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		e.log.Warn("discarding malformed transfer frame", logger.Error(err))
		return
	}
	if msg.FileID == "" {
		e.log.Warn("discarding transfer frame without file id", logger.String("type", msg.Type))
		return
	}

	switch msg.Type {
	case msgFileStart:
		e.handleFileStart(&msg)
	case msgFileStartAck:
		e.handleStartAck(&msg)
	case msgFileChunk:
		e.handleFileChunk(&msg)
	case msgChunkAck:
		e.handleChunkAck(&msg)
	case msgChunkRetry:
		e.handleChunkRetry(&msg)
	case msgFileComplete:
		e.handleFileComplete(&msg)
	case msgFileCompleteAck:
		e.handleCompleteAck(&msg)
	case msgTransferCancel:
		e.handleCancel(&msg)
	default:
		e.log.Warn("discarding unknown transfer message", logger.String("type", msg.Type))
	}
}

// Cancel aborts a transfer in either direction on user request.
func (e *Engine) Cancel(fileID string) error {
	e.mu.Lock()
	var events []Event
	var found bool
	if out, ok := e.outgoing[fileID]; ok && !out.state.terminal() {
		events = append(events, e.finishOutgoingLocked(out, StateCancelled, reasonUserCancelled))
		found = true
	}
	if in, ok := e.incoming[fileID]; ok && !in.state.terminal() {
		in.state = StateCancelled
		events = append(events, Event{Kind: EventCancelled, FileID: in.id, FileName: in.name, Reason: reasonUserCancelled})
		found = true
	}
	e.mu.Unlock()

	if !found {
		return ErrTransferNotFound
	}
	e.sendWire(&wireMessage{Type: msgTransferCancel, FileID: fileID, Reason: reasonUserCancelled})
	e.emitAll(events)
	return nil
}

func (e *Engine) sendWire(m *wireMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		e.log.Error("failed to marshal transfer message", logger.Error(err))
		return
	}
	if err := e.send.SendFileFrame(data); err != nil {
		e.log.Warn("failed to send transfer message",
			logger.String("type", m.Type), logger.String("file", m.FileID), logger.Error(err))
	}
}

func (e *Engine) emit(ev Event) {
	if e.OnEvent != nil && ev.Kind != "" {
		e.OnEvent(ev)
	}
}

func (e *Engine) emitAll(events []Event) {
	for _, ev := range events {
		e.emit(ev)
	}
}

// sweepLoop fails transfers that have gone idle.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	var events []Event
	var cancels []string
	for _, out := range e.outgoing {
		if !out.state.terminal() && now.Sub(out.lastActivity) > e.cfg.IdleTimeout {
			events = append(events, e.finishOutgoingLocked(out, StateFailed, reasonTimeout))
			cancels = append(cancels, out.id)
		}
	}
	for _, in := range e.incoming {
		if !in.state.terminal() && now.Sub(in.lastActivity) > e.cfg.IdleTimeout {
			in.state = StateFailed
			events = append(events, Event{Kind: EventFailed, FileID: in.id, FileName: in.name, Reason: reasonTimeout})
			cancels = append(cancels, in.id)
		}
	}
	e.mu.Unlock()

	for _, id := range cancels {
		e.sendWire(&wireMessage{Type: msgTransferCancel, FileID: id, Reason: reasonTimeout})
	}
	e.emitAll(events)
}

func (e *Engine) handleCancel(msg *wireMessage) {
	// A peer that gave up on an idle transfer reports it as failed here too.
	state, kind := StateCancelled, EventCancelled
	if msg.Reason == reasonTimeout {
		state, kind = StateFailed, EventFailed
	}

	e.mu.Lock()
	var events []Event
	if out, ok := e.outgoing[msg.FileID]; ok && !out.state.terminal() {
		events = append(events, e.finishOutgoingLocked(out, state, msg.Reason))
	}
	if in, ok := e.incoming[msg.FileID]; ok && !in.state.terminal() {
		in.state = state
		events = append(events, Event{Kind: kind, FileID: in.id, FileName: in.name, Reason: msg.Reason})
	}
	e.mu.Unlock()
	e.emitAll(events)
}
