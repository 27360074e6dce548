package transport

import "github.com/pion/webrtc/v4"

// candidateQueue buffers inbound ICE candidates that arrive before the
// remote description is set. Processing candidates early is a known source
// of silent failures, so they are held and flushed exactly once.
//
// The queue is bounded; on overflow the oldest candidate is dropped.
type candidateQueue struct {
	items   []webrtc.ICECandidateInit
	limit   int
	flushed bool
	dropped int
}

func newCandidateQueue(limit int) *candidateQueue {
	return &candidateQueue{limit: limit}
}

// Add buffers a candidate. Returns false once the queue has been flushed,
// meaning the candidate should be applied directly.
func (q *candidateQueue) Add(c webrtc.ICECandidateInit) bool {
	if q.flushed {
		return false
	}
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, c)
	return true
}

// Flush returns the buffered candidates and marks the queue flushed. A
// second call returns nil.
func (q *candidateQueue) Flush() []webrtc.ICECandidateInit {
	if q.flushed {
		return nil
	}
	q.flushed = true
	out := q.items
	q.items = nil
	return out
}

// Dropped reports how many candidates were discarded on overflow.
func (q *candidateQueue) Dropped() int {
	return q.dropped
}

// Len reports the number of buffered candidates.
func (q *candidateQueue) Len() int {
	return len(q.items)
}
