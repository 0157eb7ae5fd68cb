package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceStateClampsRateAndSetsAudibility(t *testing.T) {
	c := newClient(0, "u1")
	c.ReplaceState([]StateEntry{
		{ID: 1, Bits: 0x85}, // rate 5, canHear=true
		{ID: 2, Bits: 0x00}, // rate clamps to 1, canHear=false
		{ID: 3, Bits: 0x7f}, // rate 127 clamps to 60
	})

	r1, ok := c.RateFor(1)
	require.True(t, ok)
	require.EqualValues(t, 5, r1.Rate)
	require.True(t, c.CanHear(1))

	r2, ok := c.RateFor(2)
	require.True(t, ok)
	require.EqualValues(t, 1, r2.Rate)
	require.False(t, c.CanHear(2))

	r3, ok := c.RateFor(3)
	require.True(t, ok)
	require.EqualValues(t, 60, r3.Rate)
}

func TestReplaceStateFullyReplacesPriorEntries(t *testing.T) {
	c := newClient(0, "u1")
	c.ReplaceState([]StateEntry{{ID: 1, Bits: 0x85}})
	require.True(t, c.CanHear(1))

	c.ReplaceState([]StateEntry{{ID: 2, Bits: 0x8a}})
	require.False(t, c.CanHear(1))
	require.True(t, c.CanHear(2))
	_, ok := c.RateFor(1)
	require.False(t, ok)
}

func TestLastPayloadCachesStartEmpty(t *testing.T) {
	c := newClient(0, "u1")
	require.Nil(t, c.LastPosition())
	require.Nil(t, c.LastSkeletal())

	c.SetLastPosition([]byte{0, 0, 1, 2, 3})
	require.Equal(t, []byte{0, 0, 1, 2, 3}, c.LastPosition())
}
