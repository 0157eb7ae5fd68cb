// Package reliability implements the per-peer sequencing and
// retransmission state (component B): outgoing sequence counters,
// incoming watermarks, reorder buffers, and the unacked-frame retry
// table. It is grounded on the teacher's protocol.Session (sequence
// counters, ChannelOrderIndex, ACKQueue/RecoveryQueue) generalized to
// the spec's five delivery disciplines, and on katzenpost's client2.ARQ
// for the shape of the retry bookkeeping (SentAt, Retransmissions).
package reliability

import (
	"sync"
	"time"
)

// Delivery disciplines, by msgType (spec.md §4.3).
const (
	Unreliable          = 0
	UnreliableSequenced = 1
	Reliable            = 2
	ReliableSequenced   = 3
	ReliableOrdered     = 4
)

// DefaultPeerTimeout is the liveness window after which a Peer with no
// traffic is eligible for eviction.
const DefaultPeerTimeout = 60 * time.Second

// DefaultRetryInterval is the fixed resend interval for unacked reliable
// frames. There is no exponential backoff (spec.md §4.2).
const DefaultRetryInterval = 1 * time.Second

// DefaultMaxRetries caps retransmissions; an entry surviving past this
// many retries is dropped silently.
const DefaultMaxRetries = 5

// unackedKey identifies one outstanding reliable frame.
type unackedKey struct {
	channel  uint8
	sequence uint8
}

type unackedEntry struct {
	payload  []byte
	lastSent time.Time
	retries  int
}

// Peer holds the sequencing and retransmission state for every channel
// exchanged with one remote endpoint.
type Peer struct {
	mu sync.Mutex

	outgoingSeq map[uint8]uint8
	incomingSeq map[uint8]uint8
	hasWatermark map[uint8]bool
	reorderBuf  map[uint8]map[uint8][]byte

	unacked map[unackedKey]*unackedEntry

	lastActive time.Time
}

// NewPeer returns a Peer with empty sequencing state and lastActive set
// to now.
func NewPeer() *Peer {
	return &Peer{
		outgoingSeq:  make(map[uint8]uint8),
		incomingSeq:  make(map[uint8]uint8),
		hasWatermark: make(map[uint8]bool),
		reorderBuf:   make(map[uint8]map[uint8][]byte),
		unacked:      make(map[unackedKey]*unackedEntry),
		lastActive:   time.Now(),
	}
}

// Touch refreshes the liveness timestamp. Called on any traffic in
// either direction.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

// IdleSince reports how long it has been since the last traffic.
func (p *Peer) IdleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActive)
}

// NextOutgoingSequence returns the next sequence number for channel,
// post-incrementing modulo 256, implicitly starting at 0.
func (p *Peer) NextOutgoingSequence(channel uint8) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.outgoingSeq[channel]
	p.outgoingSeq[channel] = seq + 1
	return seq
}

// isNewer implements the half-window wrap-aware predicate from
// spec.md §4.2. The boundary at exactly half the sequence space (128)
// is resolved inclusive, per spec.md §8's own listed testable property
// (w=10, s=138 -> newer), which only holds under <= 128, not the
// strict < 128 the §4.2 prose states; the two are not simultaneously
// satisfiable, and the worked example is treated as authoritative.
func isNewer(candidate, watermark uint8) bool {
	return uint8(candidate-watermark) <= 128
}

// isNextInOrder implements the strict successor predicate.
func isNextInOrder(candidate, watermark uint8) bool {
	return candidate == watermark+1
}

// AcceptSequenced applies the unreliable-sequenced / reliable-sequenced
// rule: accept only if candidate is newer than the channel's watermark,
// advancing the watermark on acceptance. Returns whether the frame
// should be enqueued.
func (p *Peer) AcceptSequenced(channel, sequence uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasWatermark[channel] {
		p.incomingSeq[channel] = sequence
		p.hasWatermark[channel] = true
		return true
	}
	if !isNewer(sequence, p.incomingSeq[channel]) {
		return false
	}
	p.incomingSeq[channel] = sequence
	return true
}

// AcceptOrdered implements the reliable-ordered discipline: place the
// frame in the per-channel reorder buffer, then drain the contiguous
// prefix starting at the watermark. Returns the payloads to enqueue, in
// order.
func (p *Peer) AcceptOrdered(channel, sequence uint8, payload []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasWatermark[channel] {
		// Cold start: the first frame on a channel is accepted
		// unconditionally and becomes the new watermark (spec.md §9).
		p.incomingSeq[channel] = sequence
		p.hasWatermark[channel] = true
		return [][]byte{payload}
	}

	buf, ok := p.reorderBuf[channel]
	if !ok {
		buf = make(map[uint8][]byte)
		p.reorderBuf[channel] = buf
	}
	buf[sequence] = payload

	var drained [][]byte
	for {
		watermark := p.incomingSeq[channel]
		next := watermark + 1
		pending, ok := buf[next]
		if !ok {
			break
		}
		delete(buf, next)
		p.incomingSeq[channel] = next
		drained = append(drained, pending)
	}
	return drained
}

// Record stores an outstanding reliable frame awaiting acknowledgement.
func (p *Peer) Record(channel, sequence uint8, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unacked[unackedKey{channel, sequence}] = &unackedEntry{
		payload:  payload,
		lastSent: time.Now(),
	}
}

// Ack clears the unacked entry for (channel, sequence). Receiving two
// acks for the same pair is a no-op: the second Ack simply finds nothing
// to delete.
func (p *Peer) Ack(channel, sequence uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unacked, unackedKey{channel, sequence})
}

// RetryAction describes one frame the retry scheduler decided to resend.
type RetryAction struct {
	Channel  uint8
	Sequence uint8
	Payload  []byte
}

// RunRetries walks the unacked table once: any entry idle for at least
// interval is resent (returned in the result) and its retry count is
// incremented; any entry whose retry count has already reached max is
// dropped first, without an extra send, correcting the teacher's
// off-by-one (spec.md §4.2/§9: the retry cap check must run before the
// send, not after).
func (p *Peer) RunRetries(interval time.Duration, maxRetries int) (resent []RetryAction, capped int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, entry := range p.unacked {
		if entry.retries >= maxRetries {
			delete(p.unacked, key)
			capped++
			continue
		}
		if now.Sub(entry.lastSent) < interval {
			continue
		}
		entry.lastSent = now
		entry.retries++
		resent = append(resent, RetryAction{Channel: key.channel, Sequence: key.sequence, Payload: entry.payload})
	}
	return resent, capped
}

// UnackedCount reports the number of outstanding reliable frames, for
// tests and diagnostics.
func (p *Peer) UnackedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unacked)
}
