package filetransfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/zajel-project/zajel/internal/logger"
)

// incomingTransfer is one file being received, reassembled by index.
type incomingTransfer struct {
	id          string
	name        string
	totalSize   int64
	totalChunks int
	expected    []string // per-chunk plaintext hashes from file_start, may be empty
	chunks      [][]byte // plaintext by index, nil until received
	received    int

	state        TransferState
	lastActivity time.Time
}

func (e *Engine) handleFileStart(msg *wireMessage) {
	reject := func(reason string) {
		accepted := false
		e.sendWire(&wireMessage{Type: msgFileStartAck, FileID: msg.FileID, Accepted: &accepted, Reason: reason})
	}

	if msg.TotalSize <= 0 || msg.TotalChunks <= 0 {
		reject(reasonInvalidParams)
		return
	}
	if msg.TotalSize > e.cfg.MaxFileSize {
		reject(reasonTooLarge)
		return
	}
	// The chunk count must match the declared size; a mismatch is a
	// semantically impossible combination.
	wantChunks := int((msg.TotalSize + int64(e.cfg.ChunkSize) - 1) / int64(e.cfg.ChunkSize))
	if msg.TotalChunks != wantChunks {
		reject(reasonInvalidParams)
		return
	}
	if len(msg.ChunkHashes) != 0 && len(msg.ChunkHashes) != msg.TotalChunks {
		reject(reasonInvalidParams)
		return
	}

	in := &incomingTransfer{
		id:           msg.FileID,
		name:         SanitizeFileName(msg.FileName),
		totalSize:    msg.TotalSize,
		totalChunks:  msg.TotalChunks,
		expected:     msg.ChunkHashes,
		chunks:       make([][]byte, msg.TotalChunks),
		state:        StateReceiving,
		lastActivity: time.Now(),
	}

	e.mu.Lock()
	if existing, ok := e.incoming[msg.FileID]; ok && !existing.state.terminal() {
		e.mu.Unlock()
		reject(reasonInvalidParams)
		return
	}
	e.incoming[msg.FileID] = in
	e.mu.Unlock()

	accepted := true
	e.sendWire(&wireMessage{Type: msgFileStartAck, FileID: msg.FileID, Accepted: &accepted})
	e.emit(Event{Kind: EventOffered, FileID: in.id, FileName: in.name, Total: in.totalSize})
}

func (e *Engine) handleFileChunk(msg *wireMessage) {
	nack := func() {
		e.sendWire(&wireMessage{Type: msgChunkAck, FileID: msg.FileID, ChunkIndex: msg.ChunkIndex, Status: statusFailed})
	}

	e.mu.Lock()
	in, ok := e.incoming[msg.FileID]
	if !ok || in.state != StateReceiving {
		e.mu.Unlock()
		return
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= in.totalChunks {
		e.mu.Unlock()
		nack()
		return
	}
	in.lastActivity = time.Now()
	already := in.chunks[msg.ChunkIndex] != nil
	var expected string
	if len(in.expected) > 0 {
		expected = in.expected[msg.ChunkIndex]
	}
	e.mu.Unlock()

	frame, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		nack()
		return
	}
	plain, err := e.crypt.Decrypt(frame)
	if err != nil {
		if already {
			// A retransmit of a chunk we already hold trips the replay
			// window by design; re-ack with the stored hash instead.
			e.ackStoredChunk(msg.FileID, msg.ChunkIndex)
			return
		}
		nack()
		return
	}

	sum := sha256.Sum256(plain)
	computed := hex.EncodeToString(sum[:])

	// A chunk is never stored without verification against an authoritative
	// hash: either the file_start hash list or the in-message hash.
	if expected == "" && msg.Hash == "" {
		nack()
		return
	}
	if expected != "" && computed != expected {
		nack()
		return
	}
	if msg.Hash != "" && computed != msg.Hash {
		nack()
		return
	}

	e.mu.Lock()
	if in.state != StateReceiving {
		e.mu.Unlock()
		return
	}
	if in.chunks[msg.ChunkIndex] == nil {
		in.chunks[msg.ChunkIndex] = plain
		in.received++
	}
	received := in.received
	e.mu.Unlock()

	e.sendWire(&wireMessage{Type: msgChunkAck, FileID: msg.FileID, ChunkIndex: msg.ChunkIndex, Status: statusReceived, Hash: computed})
	e.emit(Event{Kind: EventProgress, FileID: in.id, FileName: in.name,
		Bytes: int64(received) * int64(e.cfg.ChunkSize), Total: in.totalSize})
}

// ackStoredChunk re-acks a chunk that is already assembled.
func (e *Engine) ackStoredChunk(fileID string, idx int) {
	e.mu.Lock()
	in, ok := e.incoming[fileID]
	if !ok || idx < 0 || idx >= len(in.chunks) || in.chunks[idx] == nil {
		e.mu.Unlock()
		return
	}
	sum := sha256.Sum256(in.chunks[idx])
	e.mu.Unlock()
	e.sendWire(&wireMessage{Type: msgChunkAck, FileID: fileID, ChunkIndex: idx, Status: statusReceived, Hash: hex.EncodeToString(sum[:])})
}

func (e *Engine) handleFileComplete(msg *wireMessage) {
	e.mu.Lock()
	in, ok := e.incoming[msg.FileID]
	if !ok || in.state != StateReceiving {
		e.mu.Unlock()
		return
	}
	in.lastActivity = time.Now()

	var missing []int
	for i, c := range in.chunks {
		if c == nil {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		e.mu.Unlock()
		e.sendWire(&wireMessage{Type: msgFileCompleteAck, FileID: msg.FileID, Status: statusFailed, MissingChunks: missing})
		e.sendWire(&wireMessage{Type: msgChunkRetry, FileID: msg.FileID, ChunkIndices: missing})
		return
	}

	assembled := bytes.Join(in.chunks, nil)
	sum := sha256.Sum256(assembled)
	fileHash := hex.EncodeToString(sum[:])

	if msg.FileHash != "" && msg.FileHash != fileHash {
		in.state = StateFailed
		name := in.name
		e.mu.Unlock()
		e.sendWire(&wireMessage{Type: msgFileCompleteAck, FileID: msg.FileID, Status: statusFailed, Reason: "file hash mismatch"})
		e.emit(Event{Kind: EventFailed, FileID: msg.FileID, FileName: name, Reason: "file hash mismatch"})
		return
	}

	in.state = StateComplete
	name := in.name
	total := in.totalSize
	e.mu.Unlock()

	e.sendWire(&wireMessage{Type: msgFileCompleteAck, FileID: msg.FileID, Status: statusSuccess, FileHash: fileHash})
	e.emit(Event{Kind: EventCompleted, FileID: msg.FileID, FileName: name, Bytes: total, Total: total, Data: assembled})

	e.log.Info("file received",
		logger.String("file", msg.FileID), logger.String("name", name), logger.Any("bytes", total))
}
