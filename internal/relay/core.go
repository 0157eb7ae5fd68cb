// Package relay implements the relay state machine (component D): the
// client registry, the join handshake, the opcode dispatch table, voice
// fan-out, and the pairwise position/skeletal broadcast tick. It is
// grounded on the teacher's Server.handleGamePacket (source/server/
// server.go) generalized from a switch statement to a dispatch table,
// the way the teacher's own core/gamemode package registers command
// handlers, and on source/server/player.go for the shape of per-peer
// state.
package relay

import (
	"net"
	"sync"
	"time"

	"vrelay/internal/metrics"
	"vrelay/internal/transport"
	"vrelay/internal/wire"

	logging "gopkg.in/op/go-logging.v1"
)

// Control/telemetry channels (spec.md §4.4).
const (
	channelControl   uint8 = 0
	channelVoice     uint8 = 0
	channelTelemetry uint8 = 64
)

// Application opcodes (spec.md §4.4).
const (
	OpcodeJoin       int16 = 0
	OpcodeDisconnect int16 = 1
	OpcodeState      int16 = 2
	OpcodeVoice      int16 = 3
	OpcodePosition   int16 = 4
	OpcodeSkeletal   int16 = 5
	OpcodePeerJoined int16 = 200
	OpcodePeerLeft   int16 = 201
	OpcodeRoster     int16 = 202
)

type registryEntry struct {
	addr   *net.UDPAddr
	client *Client
}

type handlerFunc func(co *Core, addr *net.UDPAddr, body *wire.Buffer, raw []byte)

// Core owns the client registry and the network-id allocator. Every
// method that mutates client state runs from the caller's single
// dispatching goroutine; Handle and Tick are not safe to call
// concurrently with each other, by design (spec.md §5 Option (a)).
type Core struct {
	engine   *transport.Engine
	identity *IdentityClient
	log      *logging.Logger

	clients       sync.Map // map[string]*registryEntry
	nextNetworkID int16
	maxPeers      int

	handlers map[int16]handlerFunc
}

// NewCore wires a relay core over engine, authenticating joins against
// identity.
func NewCore(engine *transport.Engine, identity *IdentityClient, log *logging.Logger) *Core {
	co := &Core{engine: engine, identity: identity, log: log}
	co.handlers = map[int16]handlerFunc{
		OpcodeJoin:       (*Core).handleJoin,
		OpcodeDisconnect: (*Core).handleDisconnect,
		OpcodeState:      (*Core).handleState,
		OpcodeVoice:      (*Core).handleVoice,
		OpcodePosition:   (*Core).handlePosition,
		OpcodeSkeletal:   (*Core).handleSkeletal,
	}
	return co
}

// Handle decodes one application payload's opcode and dispatches it.
// Any panic from a handler is recovered and counted, matching the
// transport engine's own dispatch policy (spec.md §4.5).
func (co *Core) Handle(r transport.Received) {
	defer func() {
		if rec := recover(); rec != nil {
			co.log.Errorf("recovered panic dispatching frame from %s: %v", r.Endpoint, rec)
			metrics.DispatchPanics.Inc()
		}
	}()

	body := wire.NewBufferFromBytes(r.Payload)
	opcode, err := body.ReadI16()
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("opcode").Inc()
		return
	}

	if handler, ok := co.handlers[opcode]; ok {
		handler(co, r.Endpoint, body, r.Payload)
		return
	}
	co.handlePassthrough(r.Endpoint, r.Payload)
}

func key(addr *net.UDPAddr) string {
	return addr.String()
}

func (co *Core) lookup(addr *net.UDPAddr) (*registryEntry, bool) {
	v, ok := co.clients.Load(key(addr))
	if !ok {
		return nil, false
	}
	return v.(*registryEntry), true
}

// snapshot returns a point-in-time copy of the client registry. The
// broadcast tick and the voice/passthrough fan-out both iterate a
// snapshot rather than the live sync.Map so a send never races a
// registry mutation mid-Range.
func (co *Core) snapshot() []*registryEntry {
	var out []*registryEntry
	co.clients.Range(func(_, v interface{}) bool {
		out = append(out, v.(*registryEntry))
		return true
	})
	return out
}

func (co *Core) broadcastExcept(except *net.UDPAddr, payload []byte) {
	exceptKey := key(except)
	for _, entry := range co.snapshot() {
		if key(entry.addr) == exceptKey {
			continue
		}
		if err := co.engine.Send(entry.addr, transport.MsgReliable, channelControl, payload); err != nil {
			co.log.Warningf("broadcast to %s failed: %v", entry.addr, err)
		}
	}
}

// SetMaxPeers caps the number of concurrently registered clients; 0 (the
// zero value, and the default if never called) means unlimited. A join
// request past the cap is dropped before the identity-service round
// trip.
func (co *Core) SetMaxPeers(n int) {
	co.maxPeers = n
}

// Sweep removes any registered Client whose backing Peer the transport
// engine no longer tracks, a consistency safety net for any path that
// might clear a Peer without routing through HandlePeerTimeout. Call
// periodically from the main loop at config.CleanupInterval.
func (co *Core) Sweep() {
	for _, entry := range co.snapshot() {
		if co.engine.HasPeer(entry.addr) {
			continue
		}
		co.clients.Delete(key(entry.addr))
		metrics.ClientsLeft.Inc()

		left := wire.NewBuffer(8)
		left.WriteI16(OpcodePeerLeft)
		left.WriteI16(entry.client.NetworkID)
		co.broadcastExcept(entry.addr, left.ToBytes())
	}
}

// handleJoin implements opcode 0: authenticate against the identity
// service, allocate a networkId, unicast the roster to the joiner,
// and broadcast the join notification to everyone already present.
func (co *Core) handleJoin(addr *net.UDPAddr, body *wire.Buffer, _ []byte) {
	userID, err := body.ReadString()
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("join_decode").Inc()
		return
	}
	token, err := body.ReadString()
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("join_decode").Inc()
		return
	}

	if co.maxPeers > 0 && len(co.snapshot()) >= co.maxPeers {
		metrics.DatagramsDropped.WithLabelValues("max_peers").Inc()
		return
	}

	valid, err := co.identity.Validate(userID, token)
	if err != nil {
		co.log.Warningf("identity service error for %s: %v", userID, err)
		return
	}
	if !valid {
		return
	}

	existing := co.snapshot()

	networkID := co.nextNetworkID
	co.nextNetworkID++
	co.clients.Store(key(addr), &registryEntry{addr: addr, client: newClient(networkID, userID)})
	metrics.ClientsJoined.Inc()

	co.sendRoster(addr, existing)

	joined := wire.NewBuffer(32)
	joined.WriteI16(OpcodePeerJoined)
	joined.WriteI16(networkID)
	joined.WriteString(userID)
	co.broadcastExcept(addr, joined.ToBytes())
}

func (co *Core) sendRoster(addr *net.UDPAddr, existing []*registryEntry) {
	roster := wire.NewBuffer(64)
	roster.WriteI16(OpcodeRoster)
	roster.WriteI16(int16(len(existing)))
	for _, e := range existing {
		roster.WriteI16(e.client.NetworkID)
		roster.WriteString(e.client.UserID)
	}
	if err := co.engine.Send(addr, transport.MsgReliable, channelControl, roster.ToBytes()); err != nil {
		co.log.Warningf("roster send to %s failed: %v", addr, err)
	}
}

// handleDisconnect implements opcode 1. It also removes the peer's
// reliability state, not just the Client — a deliberate resolution of
// spec.md §9's open question, recorded in DESIGN.md: a peer that
// explicitly disconnects should not linger in the transport layer for
// the rest of PeerTimeout.
func (co *Core) handleDisconnect(addr *net.UDPAddr, _ *wire.Buffer, _ []byte) {
	entry, ok := co.lookup(addr)
	if !ok {
		return
	}
	co.removeClient(addr, entry.client.NetworkID)
}

func (co *Core) removeClient(addr *net.UDPAddr, networkID int16) {
	co.clients.Delete(key(addr))
	co.engine.RemovePeer(addr)
	metrics.ClientsLeft.Inc()

	left := wire.NewBuffer(8)
	left.WriteI16(OpcodePeerLeft)
	left.WriteI16(networkID)
	co.broadcastExcept(addr, left.ToBytes())
}

// HandlePeerTimeout reacts to the transport engine's timeout event:
// the peer's Client, if any, is removed and a disconnect broadcast
// fires, mirroring an explicit opcode-1 disconnect (spec.md §3
// lifecycle: "Peer removal must also trigger Client removal and a
// disconnect broadcast").
func (co *Core) HandlePeerTimeout(ev transport.PeerTimeoutEvent) {
	entry, ok := co.lookup(ev.Endpoint)
	if !ok {
		return
	}
	co.clients.Delete(key(ev.Endpoint))
	metrics.ClientsLeft.Inc()

	left := wire.NewBuffer(8)
	left.WriteI16(OpcodePeerLeft)
	left.WriteI16(entry.client.NetworkID)
	co.broadcastExcept(ev.Endpoint, left.ToBytes())
}

// handleState implements opcode 2: replace the sender's updateRate and
// canHear sets wholesale.
func (co *Core) handleState(addr *net.UDPAddr, body *wire.Buffer, _ []byte) {
	entry, ok := co.lookup(addr)
	if !ok {
		return
	}

	count, err := body.ReadI16()
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("state_decode").Inc()
		return
	}

	entries := make([]StateEntry, 0, count)
	for i := int16(0); i < count; i++ {
		id, err := body.ReadI16()
		if err != nil {
			break
		}
		bits, err := body.ReadU8()
		if err != nil {
			break
		}
		entries = append(entries, StateEntry{ID: id, Bits: bits})
	}
	entry.client.ReplaceState(entries)
}

// handleVoice implements opcode 3: fan out to every other client that
// mutually lists the sender (spec.md §4.4), sent reliable-sequenced on
// channel 0.
func (co *Core) handleVoice(addr *net.UDPAddr, _ *wire.Buffer, raw []byte) {
	sender, ok := co.lookup(addr)
	if !ok {
		return
	}
	senderKey := key(addr)
	for _, other := range co.snapshot() {
		if key(other.addr) == senderKey {
			continue
		}
		if !sender.client.CanHear(other.client.NetworkID) || !other.client.CanHear(sender.client.NetworkID) {
			continue
		}
		if err := co.engine.Send(other.addr, transport.MsgReliableSequenced, channelVoice, raw); err != nil {
			co.log.Warningf("voice relay to %s failed: %v", other.addr, err)
		}
	}
}

// handlePosition implements opcode 4: cache the payload (stripping the
// 2-byte opcode prefix but keeping the sender-supplied networkId prefix
// that follows it) for the broadcast tick.
func (co *Core) handlePosition(addr *net.UDPAddr, _ *wire.Buffer, raw []byte) {
	entry, ok := co.lookup(addr)
	if !ok || len(raw) < 4 {
		return
	}
	entry.client.SetLastPosition(append([]byte(nil), raw[2:]...))
}

// handleSkeletal implements opcode 5, the skeletal-stream counterpart
// of handlePosition.
func (co *Core) handleSkeletal(addr *net.UDPAddr, _ *wire.Buffer, raw []byte) {
	entry, ok := co.lookup(addr)
	if !ok || len(raw) < 4 {
		return
	}
	entry.client.SetLastSkeletal(append([]byte(nil), raw[2:]...))
}

// handlePassthrough implements the opcode table's default case:
// broadcast the frame verbatim, opcode prefix included, to every other
// client on msgType=2 channel 0. spec.md's open question over whether
// this is intentional is resolved in DESIGN.md: kept as specified.
func (co *Core) handlePassthrough(addr *net.UDPAddr, raw []byte) {
	if _, ok := co.lookup(addr); !ok {
		metrics.DatagramsDropped.WithLabelValues("unauthenticated").Inc()
		return
	}
	co.broadcastExcept(addr, raw)
}

// Tick runs the pairwise position/skeletal broadcast algorithm once
// (spec.md §4.4). Call it periodically from the process's main loop,
// separately from the transport engine's own Tick.
func (co *Core) Tick() {
	now := time.Now()
	entries := co.snapshot()

	for _, sender := range entries {
		sc := sender.client
		hasPos := sc.LastPosition() != nil
		hasSkel := sc.LastSkeletal() != nil
		if !hasPos && !hasSkel {
			continue
		}

		for _, receiver := range entries {
			if receiver == sender {
				continue
			}
			rc := receiver.client

			receiverRate, ok := rc.RateFor(sc.NetworkID)
			if !ok {
				continue
			}
			senderRate, ok := sc.RateFor(rc.NetworkID)
			if !ok {
				continue
			}

			effective := receiverRate.Rate
			if senderRate.Rate < effective {
				effective = senderRate.Rate
			}
			interval := time.Second / time.Duration(effective)
			if now.Sub(receiverRate.LastSent) < interval {
				continue
			}

			if hasPos {
				co.sendTelemetry(receiver.addr, OpcodePosition, sc.NetworkID, effective, sc.LastPosition())
			}
			if hasSkel {
				co.sendTelemetry(receiver.addr, OpcodeSkeletal, sc.NetworkID, effective, sc.LastSkeletal())
			}
			receiverRate.LastSent = now
		}
	}
}

// sendTelemetry rewraps a cached position/skeletal payload with the
// server's authoritative senderID in place of the client-supplied
// prefix it strips off (spec.md §9: peers must not be able to spoof
// another's identity via that prefix).
func (co *Core) sendTelemetry(addr *net.UDPAddr, opcode int16, senderID int16, rate uint8, cached []byte) {
	if len(cached) < 2 {
		return
	}
	frame := wire.NewBuffer(16 + len(cached))
	frame.WriteI16(opcode)
	frame.WriteI16(senderID)
	frame.WriteU8(rate)
	frame.WriteBytes(cached[2:], false)
	if err := co.engine.Send(addr, transport.MsgReliable, channelTelemetry, frame.ToBytes()); err != nil {
		co.log.Warningf("telemetry send to %s failed: %v", addr, err)
	}
}
