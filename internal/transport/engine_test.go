package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"
)

func testLogger() *logging.Logger {
	return logging.MustGetLogger("transport_test")
}

func loopback(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return addr
}

func newTestEngine(t *testing.T, retryInterval time.Duration, maxRetries int, peerTimeout time.Duration) *Engine {
	t.Helper()
	e, err := New(loopback(t), peerTimeout, retryInterval, maxRetries, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	go e.Run()
	return e
}

func recvWithTimeout(t *testing.T, e *Engine, d time.Duration) (Received, bool) {
	t.Helper()
	select {
	case r := <-e.Received():
		return r, true
	case <-time.After(d):
		return Received{}, false
	}
}

func TestEngineUnreliableRoundTrip(t *testing.T) {
	a := newTestEngine(t, time.Hour, DefaultTestMaxRetries, time.Hour)
	b := newTestEngine(t, time.Hour, DefaultTestMaxRetries, time.Hour)

	err := a.Send(b.LocalAddr().(*net.UDPAddr), MsgUnreliable, 0, []byte("hello"))
	require.NoError(t, err)

	r, ok := recvWithTimeout(t, b, time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), r.Payload)
}

func TestEngineReliableTriggersAckAndClearsRetry(t *testing.T) {
	a := newTestEngine(t, 10*time.Millisecond, DefaultTestMaxRetries, time.Hour)
	b := newTestEngine(t, 10*time.Millisecond, DefaultTestMaxRetries, time.Hour)

	bAddr := b.LocalAddr().(*net.UDPAddr)
	err := a.Send(bAddr, MsgReliable, 2, []byte("payload"))
	require.NoError(t, err)

	r, ok := recvWithTimeout(t, b, time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), r.Payload)

	// Give B's ack time to land back at A and be processed by A's
	// receive loop before checking the outstanding-frame count.
	require.Eventually(t, func() bool {
		return a.UnackedCount(bAddr) == 0
	}, time.Second, 5*time.Millisecond)

	// A retransmit after the ack landed should produce nothing further.
	a.Tick()
	_, ok = recvWithTimeout(t, b, 30*time.Millisecond)
	require.False(t, ok)
}

func TestEngineRetransmitsUnackedReliableFrame(t *testing.T) {
	a := newTestEngine(t, 5*time.Millisecond, DefaultTestMaxRetries, time.Hour)

	// Send to an address nobody is listening on (a socket bound and then
	// closed): no ack will ever arrive, so every Tick after the interval
	// has elapsed should resend once.
	deadConn, err := net.ListenUDP("udp", loopback(t))
	require.NoError(t, err)
	deadAddr := deadConn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, deadConn.Close())
	err = a.Send(deadAddr, MsgReliable, 0, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, a.UnackedCount(deadAddr))

	time.Sleep(10 * time.Millisecond)
	a.Tick()
	require.Equal(t, 1, a.UnackedCount(deadAddr))

	for i := 0; i < DefaultTestMaxRetries; i++ {
		time.Sleep(10 * time.Millisecond)
		a.Tick()
	}
	require.Equal(t, 0, a.UnackedCount(deadAddr))
}

func TestEnginePeerTimeoutEviction(t *testing.T) {
	a := newTestEngine(t, time.Hour, DefaultTestMaxRetries, 10*time.Millisecond)
	b := newTestEngine(t, time.Hour, DefaultTestMaxRetries, time.Hour)

	bAddr := b.LocalAddr().(*net.UDPAddr)
	require.NoError(t, a.Send(bAddr, MsgUnreliable, 0, []byte("ping")))
	_, ok := recvWithTimeout(t, b, time.Second)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	a.Tick()

	select {
	case ev := <-a.Timeouts():
		require.Equal(t, bAddr.String(), ev.Endpoint.String())
	case <-time.After(time.Second):
		t.Fatal("expected a peer timeout event")
	}
}

func TestEngineDropsShortDatagramWithoutPanicking(t *testing.T) {
	a := newTestEngine(t, time.Hour, DefaultTestMaxRetries, time.Hour)
	conn, err := net.DialUDP("udp", nil, a.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x00})
	require.NoError(t, err)

	_, ok := recvWithTimeout(t, a, 50*time.Millisecond)
	require.False(t, ok)
}

// DefaultTestMaxRetries keeps the retry-cap tests above independent of
// internal/reliability.DefaultMaxRetries so they stay readable in
// isolation.
const DefaultTestMaxRetries = 5
