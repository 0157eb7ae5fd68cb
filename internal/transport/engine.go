// Package transport implements the transport engine (component C): a
// single receive loop on one UDP socket, header parsing and dispatch by
// delivery discipline, ack emission, and timer-driven retransmission and
// peer eviction. It is grounded on the teacher's source/server.Server
// listen loop and source/protocol.Session tick (protocol/raknet.go),
// corrected per spec.md §5 to use one dedicated receiver goroutine
// instead of a goroutine per datagram, and to confine client-state
// mutation to the caller's drain of the received queue.
package transport

import (
	"net"
	"sync"
	"time"

	"vrelay/internal/metrics"
	"vrelay/internal/reliability"

	logging "gopkg.in/op/go-logging.v1"
)

const maxDatagramSize = 65507

// Reliable message types get retransmission tracking; unreliable ones
// never receive acks so there is no point recording them (spec.md §9).
func isReliableClass(msgType byte) bool {
	return msgType == MsgReliable || msgType == MsgReliableSequenced || msgType == MsgReliableOrdered
}

// Received is one application payload pulled off the wire, ready for the
// relay core to decode and act on.
type Received struct {
	Endpoint *net.UDPAddr
	Payload  []byte
}

// PeerTimeoutEvent is fired when a peer is evicted for inactivity. It is
// delivered on its own channel (Timeouts), separate from the received
// payloads, and the relay core drains both from a single goroutine.
type PeerTimeoutEvent struct {
	Endpoint *net.UDPAddr
}

// trackedPeer pairs a Peer's reliability state with the resolved address
// it was last seen at, so the tick loop never has to re-resolve a string
// key back into a *net.UDPAddr.
type trackedPeer struct {
	addr *net.UDPAddr
	peer *reliability.Peer
}

// Engine owns the UDP socket, the peer registry, and the received queue.
type Engine struct {
	conn *net.UDPConn
	log  *logging.Logger

	peers sync.Map // map[string]*trackedPeer, keyed by endpoint string

	received chan Received
	timeouts chan PeerTimeoutEvent

	retryInterval time.Duration
	maxRetries    int
	peerTimeout   time.Duration

	running bool
	mu      sync.Mutex
}

// New binds addr and returns a ready Engine. The caller must start the
// receive loop with Run and the retry/timeout scheduler with Tick.
func New(addr *net.UDPAddr, peerTimeout, retryInterval time.Duration, maxRetries int, log *logging.Logger) (*Engine, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Engine{
		conn:          conn,
		log:           log,
		received:      make(chan Received, 4096),
		timeouts:      make(chan PeerTimeoutEvent, 256),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		peerTimeout:   peerTimeout,
		running:       true,
	}, nil
}

// Received returns the channel of decoded application payloads, the
// engine's multi-producer-single-consumer FIFO. The process's main loop
// drains it in a select alongside Timeouts and its tickers.
func (e *Engine) Received() <-chan Received {
	return e.received
}

// Timeouts returns the channel of peer-eviction events.
func (e *Engine) Timeouts() <-chan PeerTimeoutEvent {
	return e.timeouts
}

// LocalAddr returns the bound address.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func peerKey(addr *net.UDPAddr) string {
	return addr.String()
}

func (e *Engine) peerFor(addr *net.UDPAddr) *reliability.Peer {
	key := peerKey(addr)
	if v, ok := e.peers.Load(key); ok {
		return v.(*trackedPeer).peer
	}
	v, loaded := e.peers.LoadOrStore(key, &trackedPeer{addr: addr, peer: reliability.NewPeer()})
	if !loaded {
		metrics.PeersConnected.Inc()
	}
	return v.(*trackedPeer).peer
}

// Run is the dedicated receiver goroutine: a blocking read-and-dispatch
// loop on the socket. It returns when the socket is closed.
func (e *Engine) Run() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			e.mu.Lock()
			running := e.running
			e.mu.Unlock()
			if !running {
				return
			}
			e.log.Warningf("socket receive error: %v", err)
			continue
		}
		e.handleDatagram(addr, buf[:n])
	}
}

func (e *Engine) handleDatagram(addr *net.UDPAddr, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("recovered panic handling datagram from %s: %v", addr, r)
			metrics.DispatchPanics.Inc()
		}
	}()

	if len(data) < headerSize {
		metrics.DatagramsDropped.WithLabelValues("short").Inc()
		return
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("short").Inc()
		return
	}
	if hdr.version != ProtocolVersion {
		metrics.DatagramsDropped.WithLabelValues("version").Inc()
		return
	}

	peer := e.peerFor(addr)
	peer.Touch()

	if hdr.isAck {
		peer.Ack(hdr.channel, hdr.sequence)
		return
	}

	// data aliases Run's single receive buffer, which the receiver
	// goroutine overwrites on its next ReadFromUDP; every payload handed
	// to the received queue (drained asynchronously by the caller's main
	// loop) must be copied out of it first.
	payload := make([]byte, len(data)-headerSize)
	copy(payload, data[headerSize:])

	switch hdr.msgType {
	case MsgUnreliable:
		metrics.DatagramsReceived.WithLabelValues("unreliable").Inc()
		e.enqueue(addr, payload)

	case MsgUnreliableSequenced:
		metrics.DatagramsReceived.WithLabelValues("unreliable_sequenced").Inc()
		if peer.AcceptSequenced(hdr.channel, hdr.sequence) {
			e.enqueue(addr, payload)
		}

	case MsgReliable:
		metrics.DatagramsReceived.WithLabelValues("reliable").Inc()
		e.sendAck(addr, hdr.channel, hdr.sequence)
		e.enqueue(addr, payload)

	case MsgReliableSequenced:
		metrics.DatagramsReceived.WithLabelValues("reliable_sequenced").Inc()
		e.sendAck(addr, hdr.channel, hdr.sequence)
		if peer.AcceptSequenced(hdr.channel, hdr.sequence) {
			e.enqueue(addr, payload)
		}

	case MsgReliableOrdered:
		metrics.DatagramsReceived.WithLabelValues("reliable_ordered").Inc()
		e.sendAck(addr, hdr.channel, hdr.sequence)
		for _, p := range peer.AcceptOrdered(hdr.channel, hdr.sequence, payload) {
			e.enqueue(addr, p)
		}

	default:
		metrics.DatagramsDropped.WithLabelValues("msg_type").Inc()
	}
}

func (e *Engine) enqueue(addr *net.UDPAddr, payload []byte) {
	select {
	case e.received <- Received{Endpoint: addr, Payload: payload}:
	default:
		metrics.DatagramsDropped.WithLabelValues("queue_full").Inc()
	}
}

func (e *Engine) sendAck(addr *net.UDPAddr, channel, sequence byte) {
	if _, err := e.conn.WriteToUDP(encodeAck(channel, sequence), addr); err != nil {
		e.log.Warningf("failed to send ack to %s: %v", addr, err)
		return
	}
	metrics.DatagramsSent.Inc()
}

// Send transmits payload to addr with the given msgType on channel,
// assigning the next outgoing sequence number and, for reliable
// classes, recording the frame for retransmission.
func (e *Engine) Send(addr *net.UDPAddr, msgType byte, channel byte, payload []byte) error {
	peer := e.peerFor(addr)
	peer.Touch()
	seq := peer.NextOutgoingSequence(channel)

	framed := make([]byte, headerSize+len(payload))
	copy(framed, encodeHeader(msgType, false, channel, seq))
	copy(framed[headerSize:], payload)

	if isReliableClass(msgType) {
		peer.Record(channel, seq, framed)
	}

	if _, err := e.conn.WriteToUDP(framed, addr); err != nil {
		return err
	}
	metrics.DatagramsSent.Inc()
	return nil
}

// Tick runs the retransmission policy and peer-timeout eviction for
// every tracked peer. Call it periodically from the main loop.
func (e *Engine) Tick() {
	e.peers.Range(func(key, value interface{}) bool {
		tracked := value.(*trackedPeer)

		resent, capped := tracked.peer.RunRetries(e.retryInterval, e.maxRetries)
		for _, action := range resent {
			// action.Payload already carries its original 3-byte header; resend verbatim.
			if _, err := e.conn.WriteToUDP(action.Payload, tracked.addr); err != nil {
				e.log.Warningf("retransmit to %s failed: %v", tracked.addr, err)
			} else {
				metrics.DatagramsSent.Inc()
				metrics.Retransmissions.Inc()
			}
		}
		if capped > 0 {
			metrics.RetryCapDrops.Add(float64(capped))
		}

		if tracked.peer.IdleSince() > e.peerTimeout {
			e.peers.Delete(key)
			metrics.PeersConnected.Dec()
			metrics.PeerTimeouts.Inc()
			select {
			case e.timeouts <- PeerTimeoutEvent{Endpoint: tracked.addr}:
			default:
				e.log.Warning("timeout event queue full, dropping event")
			}
		}
		return true
	})
}

// UnackedCount reports how many reliable frames are outstanding for
// addr, for tests and diagnostics.
func (e *Engine) UnackedCount(addr *net.UDPAddr) int {
	v, ok := e.peers.Load(peerKey(addr))
	if !ok {
		return 0
	}
	return v.(*trackedPeer).peer.UnackedCount()
}

// RemovePeer drops a peer's reliability state immediately, used when the
// relay core observes an explicit client-initiated disconnect
// (spec.md §9 open question, resolved in SPEC_FULL.md §9).
func (e *Engine) RemovePeer(addr *net.UDPAddr) {
	e.peers.Delete(peerKey(addr))
	metrics.PeersConnected.Dec()
}

// HasPeer reports whether addr still has reliability state tracked by
// the engine. Used by the relay core's periodic consistency sweep to
// catch a Client whose backing Peer went away other than through the
// normal PeerTimeout event.
func (e *Engine) HasPeer(addr *net.UDPAddr) bool {
	_, ok := e.peers.Load(peerKey(addr))
	return ok
}

// Close stops the receive loop and releases the socket.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return e.conn.Close()
}
