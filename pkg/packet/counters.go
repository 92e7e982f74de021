package packet

// CounterStats summarizes the receive direction.
type CounterStats struct {
	Received   uint32
	Duplicates uint32
	Gaps       uint32
}

// Counters tracks rolling ids in both directions.
type Counters struct {
	tx RollingID

	hasRx      bool
	lastRx     RollingID
	lastHeader Header
	lastDigest uint32

	stats CounterStats
}

// NewCounters creates Counters; the first transmitted id follows start.
func NewCounters(start RollingID) *Counters {
	return &Counters{tx: start}
}

// NextTx allocates the next outbound id.
func (c *Counters) NextTx() RollingID {
	c.tx = c.tx.Next()
	return c.tx
}

// Observe records an inbound frame. digest summarizes the payload.
// Returns true if the frame repeats the previous one.
func (c *Counters) Observe(id RollingID, header Header, digest uint32) bool {
	if c.hasRx && id == c.lastRx {
		if header == c.lastHeader && digest == c.lastDigest {
			c.stats.Duplicates++
			return true
		}
	} else if c.hasRx {
		c.stats.Gaps += uint32(id.StepsFrom(c.lastRx) - 1)
	}
	c.hasRx = true
	c.lastRx, c.lastHeader, c.lastDigest = id, header, digest
	c.stats.Received++
	return false
}

// Stats returns the receive statistics.
func (c *Counters) Stats() CounterStats {
	return c.stats
}

// Reset forgets all ids; the next transmitted id follows start.
func (c *Counters) Reset(start RollingID) {
	*c = Counters{tx: start}
}
