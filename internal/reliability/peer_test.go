package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextOutgoingSequenceWraps(t *testing.T) {
	p := NewPeer()
	for i := 0; i < 300; i++ {
		got := p.NextOutgoingSequence(0)
		require.EqualValues(t, uint8(i), got)
	}
}

func TestIsNewerPredicate(t *testing.T) {
	cases := []struct {
		watermark, candidate uint8
		newer                bool
	}{
		{200, 50, true},
		{10, 138, true},
		{10, 139, false},
		{5, 4, false},
	}
	for _, c := range cases {
		require.Equal(t, c.newer, isNewer(c.candidate, c.watermark),
			"watermark=%d candidate=%d", c.watermark, c.candidate)
	}
}

func TestAcceptSequencedFirstFrameAlwaysAccepted(t *testing.T) {
	p := NewPeer()
	require.True(t, p.AcceptSequenced(3, 77))
}

func TestAcceptSequencedSkipsOlder(t *testing.T) {
	p := NewPeer()
	require.True(t, p.AcceptSequenced(0, 10))
	require.False(t, p.AcceptSequenced(0, 9))
	require.True(t, p.AcceptSequenced(0, 11))
}

func TestAcceptOrderedReorders(t *testing.T) {
	p := NewPeer()
	var delivered [][]byte

	feed := func(seq uint8) {
		delivered = append(delivered, p.AcceptOrdered(7, seq, []byte{seq})...)
	}

	// permutation [3,1,2,0] with no prior watermark
	feed(3)
	feed(1)
	feed(2)
	feed(0)

	require.Len(t, delivered, 4)
	for i, payload := range delivered {
		require.Equal(t, []byte{byte(i)}, payload)
	}
}

func TestAcceptOrderedWrapsAroundSequenceSpace(t *testing.T) {
	p := NewPeer()
	p.hasWatermark[0] = true
	p.incomingSeq[0] = 254

	var delivered [][]byte
	delivered = append(delivered, p.AcceptOrdered(0, 255, []byte{255})...)
	delivered = append(delivered, p.AcceptOrdered(0, 0, []byte{0})...)
	delivered = append(delivered, p.AcceptOrdered(0, 1, []byte{1})...)

	require.Equal(t, [][]byte{{255}, {0}, {1}}, delivered)
}

func TestAckIsIdempotent(t *testing.T) {
	p := NewPeer()
	p.Record(0, 5, []byte("payload"))
	require.Equal(t, 1, p.UnackedCount())

	p.Ack(0, 5)
	require.Equal(t, 0, p.UnackedCount())

	p.Ack(0, 5) // second ack is a no-op
	require.Equal(t, 0, p.UnackedCount())
}

func TestRetryCapStopsAtSixTotalTransmissions(t *testing.T) {
	p := NewPeer()
	p.Record(0, 1, []byte("x"))

	// Force every retry check to fire immediately.
	const interval = 0

	sends := 0
	for i := 0; i < 10; i++ {
		resent, capped := p.RunRetries(interval, DefaultMaxRetries)
		sends += len(resent)
		if capped > 0 {
			break
		}
	}

	require.Equal(t, DefaultMaxRetries, sends)
	require.Equal(t, 0, p.UnackedCount())
}

func TestRunRetriesRespectsInterval(t *testing.T) {
	p := NewPeer()
	p.Record(0, 1, []byte("x"))

	resent, capped := p.RunRetries(time.Hour, DefaultMaxRetries)
	require.Empty(t, resent)
	require.Zero(t, capped)
}

func TestIdleSinceReflectsTouch(t *testing.T) {
	p := NewPeer()
	p.Touch()
	require.Less(t, p.IdleSince(), time.Second)
}
