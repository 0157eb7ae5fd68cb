package relay

import "time"

// StateEntry is one (peerId, bits) pair parsed from an opcode-2
// client-state frame: bits & 0x7f is the clamped desired rate, bit
// 0x80 sets audibility for that peer (spec.md §4.4).
type StateEntry struct {
	ID   int16
	Bits uint8
}

// UpdateRate is one entry in a Client's per-peer outbound rate
// negotiation: the rate this client wants to receive updates about a
// given peer, and the last time the server actually sent one.
type UpdateRate struct {
	Rate     uint8
	LastSent time.Time
}

// Client holds the presence state for one authenticated peer,
// generalized from the teacher's Player (source/server/player.go) to
// the spec's audibility/rate/telemetry-cache fields. Every field here
// is mutated only from the relay core's single dispatching goroutine
// (spec.md §5's Option (a)), so Client carries no lock of its own.
type Client struct {
	NetworkID int16
	UserID    string

	canHear    map[int16]bool
	updateRate map[int16]*UpdateRate

	lastPositionBytes []byte
	lastSkeletalBytes []byte
}

func newClient(networkID int16, userID string) *Client {
	return &Client{
		NetworkID:  networkID,
		UserID:     userID,
		canHear:    make(map[int16]bool),
		updateRate: make(map[int16]*UpdateRate),
	}
}

// ReplaceState swaps canHear and updateRate wholesale, per the
// invariant that an opcode-2 frame entirely replaces both rather than
// merging into them.
func (c *Client) ReplaceState(entries []StateEntry) {
	canHear := make(map[int16]bool, len(entries))
	rates := make(map[int16]*UpdateRate, len(entries))
	for _, e := range entries {
		rate := e.Bits & 0x7f
		switch {
		case rate < 1:
			rate = 1
		case rate > 60:
			rate = 60
		}
		rates[e.ID] = &UpdateRate{Rate: rate}
		if e.Bits&0x80 != 0 {
			canHear[e.ID] = true
		}
	}
	c.canHear = canHear
	c.updateRate = rates
}

// CanHear reports whether this client has subscribed to id's voice.
func (c *Client) CanHear(id int16) bool {
	return c.canHear[id]
}

// RateFor returns the negotiated rate entry this client holds for id,
// if any.
func (c *Client) RateFor(id int16) (*UpdateRate, bool) {
	r, ok := c.updateRate[id]
	return r, ok
}

// SetLastPosition caches the most recent position payload, including
// its original sender-id prefix.
func (c *Client) SetLastPosition(payload []byte) { c.lastPositionBytes = payload }

// SetLastSkeletal caches the most recent skeletal payload, including
// its original sender-id prefix.
func (c *Client) SetLastSkeletal(payload []byte) { c.lastSkeletalBytes = payload }

// LastPosition returns the cached position payload, or nil if none has
// arrived yet.
func (c *Client) LastPosition() []byte { return c.lastPositionBytes }

// LastSkeletal returns the cached skeletal payload, or nil if none has
// arrived yet.
func (c *Client) LastSkeletal() []byte { return c.lastSkeletalBytes }
