package filetransfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zajel-project/zajel/internal/logger"
)

// outChunk is the sender-side record for one chunk.
type outChunk struct {
	frame    []byte // pre-encrypted AEAD frame of the plaintext chunk
	hash     string // SHA-256 of the plaintext chunk, hex
	size     int
	acked    bool
	inFlight bool
	attempts int
	timer    *time.Timer
}

// outgoingTransfer is one file being sent.
type outgoingTransfer struct {
	id        string
	name      string
	totalSize int64
	fileHash  string
	chunks    []*outChunk

	state        TransferState
	inFlight     int
	ackedBytes   int64
	lastActivity time.Time
}

// SendFile reads a file from disk and starts sending it. Returns the file id.
func (e *Engine) SendFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return e.SendBytes(filepath.Base(path), data)
}

// SendBytes starts sending an in-memory blob. Every chunk is hashed and
// pre-encrypted up front so retransmits reuse the same frame; the peer's
// replay window never sees a chunk frame twice under a different sequence.
func (e *Engine) SendBytes(name string, data []byte) (string, error) {
	if int64(len(data)) > e.cfg.MaxFileSize {
		return "", fmt.Errorf("file exceeds configured limit of %d bytes", e.cfg.MaxFileSize)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to send empty file")
	}

	id := uuid.NewString()
	fileSum := sha256.Sum256(data)

	total := (len(data) + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	chunks := make([]*outChunk, 0, total)
	hashes := make([]string, 0, total)
	for off := 0; off < len(data); off += e.cfg.ChunkSize {
		end := off + e.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		plain := data[off:end]
		sum := sha256.Sum256(plain)
		frame, err := e.crypt.Encrypt(plain)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt chunk: %w", err)
		}
		h := hex.EncodeToString(sum[:])
		chunks = append(chunks, &outChunk{frame: frame, hash: h, size: len(plain)})
		hashes = append(hashes, h)
	}

	out := &outgoingTransfer{
		id:           id,
		name:         SanitizeFileName(name),
		totalSize:    int64(len(data)),
		fileHash:     hex.EncodeToString(fileSum[:]),
		chunks:       chunks,
		state:        StateAwaitingStartAck,
		lastActivity: time.Now(),
	}

	e.mu.Lock()
	if _, exists := e.outgoing[id]; exists {
		e.mu.Unlock()
		return "", ErrTransferExists
	}
	e.outgoing[id] = out
	e.mu.Unlock()

	e.sendWire(&wireMessage{
		Type:        msgFileStart,
		FileID:      id,
		FileName:    out.name,
		TotalSize:   out.totalSize,
		TotalChunks: len(chunks),
		ChunkHashes: hashes,
	})
	e.emit(Event{Kind: EventStarted, FileID: id, FileName: out.name, Total: out.totalSize})
	return id, nil
}

func (e *Engine) handleStartAck(msg *wireMessage) {
	e.mu.Lock()
	out, ok := e.outgoing[msg.FileID]
	if !ok || out.state != StateAwaitingStartAck {
		e.mu.Unlock()
		return
	}
	if msg.Accepted == nil || !*msg.Accepted {
		ev := e.finishOutgoingLocked(out, StateFailed, msg.Reason)
		e.mu.Unlock()
		e.emit(ev)
		return
	}
	out.state = StateTransferring
	out.lastActivity = time.Now()
	frames := e.fillWindowLocked(out)
	e.mu.Unlock()

	e.sendChunkFrames(out.id, frames)
}

// fillWindowLocked marks chunks in flight up to the window limit and returns
// their indices for sending outside the lock.
func (e *Engine) fillWindowLocked(out *outgoingTransfer) []int {
	var indices []int
	for i, c := range out.chunks {
		if out.inFlight >= e.cfg.WindowSize {
			break
		}
		if c.acked || c.inFlight {
			continue
		}
		c.inFlight = true
		c.attempts++
		out.inFlight++
		e.armChunkTimerLocked(out, i)
		indices = append(indices, i)
	}
	return indices
}

func (e *Engine) armChunkTimerLocked(out *outgoingTransfer, idx int) {
	c := out.chunks[idx]
	if c.timer != nil {
		c.timer.Stop()
	}
	id := out.id
	c.timer = time.AfterFunc(e.cfg.AckTimeout, func() {
		e.onChunkTimeout(id, idx)
	})
}

// sendChunkFrames sends the given chunk indices. The transport's
// backpressure applies inside SendFileFrame, so this must not hold the lock.
func (e *Engine) sendChunkFrames(fileID string, indices []int) {
	for _, idx := range indices {
		e.mu.Lock()
		out, ok := e.outgoing[fileID]
		if !ok || out.state != StateTransferring {
			e.mu.Unlock()
			return
		}
		c := out.chunks[idx]
		frame := c.frame
		hash := c.hash
		e.mu.Unlock()

		e.sendWire(&wireMessage{
			Type:       msgFileChunk,
			FileID:     fileID,
			ChunkIndex: idx,
			Data:       base64.StdEncoding.EncodeToString(frame),
			Hash:       hash,
		})
	}
}

func (e *Engine) onChunkTimeout(fileID string, idx int) {
	e.mu.Lock()
	out, ok := e.outgoing[fileID]
	if !ok || out.state != StateTransferring {
		e.mu.Unlock()
		return
	}
	c := out.chunks[idx]
	if c.acked || !c.inFlight {
		e.mu.Unlock()
		return
	}
	if c.attempts >= e.cfg.MaxRetries {
		ev := e.finishOutgoingLocked(out, StateFailed, "chunk retries exhausted")
		e.mu.Unlock()
		e.sendWire(&wireMessage{Type: msgTransferCancel, FileID: fileID, Reason: reasonError})
		e.emit(ev)
		return
	}
	c.attempts++
	e.armChunkTimerLocked(out, idx)
	e.mu.Unlock()

	e.log.Debug("resending chunk after ack timeout",
		logger.String("file", fileID), logger.Int("chunk", idx))
	e.sendChunkFrames(fileID, []int{idx})
}

func (e *Engine) handleChunkAck(msg *wireMessage) {
	e.mu.Lock()
	out, ok := e.outgoing[msg.FileID]
	if !ok || out.state != StateTransferring {
		e.mu.Unlock()
		return
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= len(out.chunks) {
		e.mu.Unlock()
		return
	}
	c := out.chunks[msg.ChunkIndex]
	out.lastActivity = time.Now()

	failed := msg.Status != statusReceived
	if !failed && msg.Hash != "" && msg.Hash != c.hash {
		// Receiver computed a different plaintext hash: treat as failed.
		failed = true
	}

	if failed {
		if c.acked {
			e.mu.Unlock()
			return
		}
		if c.attempts >= e.cfg.MaxRetries {
			ev := e.finishOutgoingLocked(out, StateFailed, "chunk rejected by receiver")
			e.mu.Unlock()
			e.sendWire(&wireMessage{Type: msgTransferCancel, FileID: msg.FileID, Reason: reasonError})
			e.emit(ev)
			return
		}
		c.attempts++
		e.armChunkTimerLocked(out, msg.ChunkIndex)
		e.mu.Unlock()
		e.sendChunkFrames(msg.FileID, []int{msg.ChunkIndex})
		return
	}

	if c.acked {
		e.mu.Unlock()
		return
	}
	c.acked = true
	if c.inFlight {
		c.inFlight = false
		out.inFlight--
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	out.ackedBytes += int64(c.size)

	allAcked := true
	for _, ch := range out.chunks {
		if !ch.acked {
			allAcked = false
			break
		}
	}

	progress := Event{Kind: EventProgress, FileID: out.id, FileName: out.name, Bytes: out.ackedBytes, Total: out.totalSize}

	if allAcked {
		out.state = StateAwaitingCompleteAck
		fileHash := out.fileHash
		e.mu.Unlock()
		e.emit(progress)
		e.sendWire(&wireMessage{Type: msgFileComplete, FileID: out.id, FileHash: fileHash})
		return
	}

	frames := e.fillWindowLocked(out)
	e.mu.Unlock()
	e.emit(progress)
	e.sendChunkFrames(out.id, frames)
}

// handleChunkRetry services an explicit retransmit request from the
// receiver.
func (e *Engine) handleChunkRetry(msg *wireMessage) {
	e.mu.Lock()
	out, ok := e.outgoing[msg.FileID]
	if !ok || out.state.terminal() {
		e.mu.Unlock()
		return
	}
	out.state = StateTransferring
	out.lastActivity = time.Now()
	for _, idx := range msg.ChunkIndices {
		if idx < 0 || idx >= len(out.chunks) {
			continue
		}
		// Chunks still in flight keep their timers; only settled ones are
		// reset so the window accounting stays balanced.
		c := out.chunks[idx]
		if c.acked {
			c.acked = false
			out.ackedBytes -= int64(c.size)
		}
	}
	frames := e.fillWindowLocked(out)
	e.mu.Unlock()
	e.sendChunkFrames(msg.FileID, frames)
}

func (e *Engine) handleCompleteAck(msg *wireMessage) {
	e.mu.Lock()
	out, ok := e.outgoing[msg.FileID]
	if !ok || out.state != StateAwaitingCompleteAck {
		e.mu.Unlock()
		return
	}
	out.lastActivity = time.Now()

	if msg.Status == statusSuccess {
		ev := e.finishOutgoingLocked(out, StateComplete, "")
		e.mu.Unlock()
		e.emit(ev)
		return
	}

	if len(msg.MissingChunks) > 0 {
		out.state = StateTransferring
		for _, idx := range msg.MissingChunks {
			if idx < 0 || idx >= len(out.chunks) {
				continue
			}
			c := out.chunks[idx]
			if c.acked {
				c.acked = false
				out.ackedBytes -= int64(c.size)
			}
		}
		frames := e.fillWindowLocked(out)
		e.mu.Unlock()
		e.sendChunkFrames(msg.FileID, frames)
		return
	}

	ev := e.finishOutgoingLocked(out, StateFailed, msg.Reason)
	e.mu.Unlock()
	e.emit(ev)
}

// finishOutgoingLocked moves a transfer to a terminal state, stops all
// timers and returns the event to emit after the lock is released.
func (e *Engine) finishOutgoingLocked(out *outgoingTransfer, state TransferState, reason string) Event {
	out.state = state
	for _, c := range out.chunks {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.inFlight = false
	}
	out.inFlight = 0

	kind := EventFailed
	switch state {
	case StateComplete:
		kind = EventCompleted
	case StateCancelled:
		kind = EventCancelled
	}
	return Event{Kind: kind, FileID: out.id, FileName: out.name, Bytes: out.ackedBytes, Total: out.totalSize, Reason: reason}
}
