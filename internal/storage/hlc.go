package storage

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HLC is a hybrid logical clock timestamp: a wall-clock reading paired with
// a logical counter that breaks ties between events that land in the same
// millisecond, plus the id of the node that produced it. It totally orders
// writes across the engine without requiring synchronized clocks.
type HLC struct {
	PhysicalTimeMillis uint64
	LogicalCounter     uint32
	NodeID             uint32
}

// EncodedHLCSize is the wire/disk size of an HLC value (see ToBytes).
const EncodedHLCSize = 16

// ToBytes encodes the HLC as 16 little-endian bytes:
// (physical_time_ms u64, logical_counter u32, node_id u32).
func (h HLC) ToBytes() [EncodedHLCSize]byte {
	var buf [EncodedHLCSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.PhysicalTimeMillis)
	binary.LittleEndian.PutUint32(buf[8:12], h.LogicalCounter)
	binary.LittleEndian.PutUint32(buf[12:16], h.NodeID)
	return buf
}

// HLCFromBytes decodes an HLC from its 16-byte wire form.
func HLCFromBytes(buf []byte) (HLC, error) {
	if len(buf) < EncodedHLCSize {
		return HLC{}, fmt.Errorf("hlc: buffer too short: %d bytes", len(buf))
	}
	return HLC{
		PhysicalTimeMillis: binary.LittleEndian.Uint64(buf[0:8]),
		LogicalCounter:     binary.LittleEndian.Uint32(buf[8:12]),
		NodeID:             binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Compare orders two HLC values by physical time, then logical counter,
// then node id, returning -1, 0, or 1.
func (h HLC) Compare(other HLC) int {
	switch {
	case h.PhysicalTimeMillis < other.PhysicalTimeMillis:
		return -1
	case h.PhysicalTimeMillis > other.PhysicalTimeMillis:
		return 1
	}
	switch {
	case h.LogicalCounter < other.LogicalCounter:
		return -1
	case h.LogicalCounter > other.LogicalCounter:
		return 1
	}
	switch {
	case h.NodeID < other.NodeID:
		return -1
	case h.NodeID > other.NodeID:
		return 1
	}
	return 0
}

// HappensBefore reports whether a strictly precedes b in (physical, logical)
// order, ignoring node id (two concurrent events on different nodes with the
// same physical/logical pair do not happen-before one another).
func HappensBefore(a, b HLC) bool {
	if a.PhysicalTimeMillis != b.PhysicalTimeMillis {
		return a.PhysicalTimeMillis < b.PhysicalTimeMillis
	}
	return a.LogicalCounter < b.LogicalCounter
}

// ErrExcessiveDrift is returned by Clock.Receive when a remote timestamp's
// physical time is further ahead of the local wall clock than MaxDriftMillis
// allows.
type ErrExcessiveDrift struct {
	Remote  uint64
	Local   uint64
	MaxDrift uint64
}

func (e *ErrExcessiveDrift) Error() string {
	return fmt.Sprintf("hlc: remote physical time %d exceeds local %d by more than max drift %dms",
		e.Remote, e.Local, e.MaxDrift)
}

// DefaultMaxDriftMillis is the default bound on how far a remote HLC's
// physical component may lead the local wall clock before Receive rejects it.
const DefaultMaxDriftMillis = 60_000

// Clock generates monotonically increasing HLC timestamps for a single
// node and merges in timestamps observed from elsewhere (e.g. read from a
// WAL record written by a past instance of this same process, or — in a
// replicated deployment outside this engine's scope — a remote peer).
//
// All Clock methods are called while the writer holds the single write
// mutex (see the concurrency model): there is never more than one writer,
// so no additional locking is required here.
type Clock struct {
	last         HLC
	nodeID       uint32
	maxDriftMillis uint64
	now          func() uint64 // overridable for tests; defaults to wall-clock ms
}

// NewClock creates a Clock for the given node id, seeded at the current
// wall-clock time with a zero logical counter.
func NewClock(nodeID uint32) *Clock {
	c := &Clock{
		nodeID:         nodeID,
		maxDriftMillis: DefaultMaxDriftMillis,
		now:            wallClockMillis,
	}
	c.last = HLC{PhysicalTimeMillis: c.now(), LogicalCounter: 0, NodeID: nodeID}
	return c
}

// NewClockFromTimestamp creates a Clock seeded at a specific last-observed
// HLC value, used when reopening a database to resume from the persisted
// last_checkpoint_hlc rather than starting the logical counter over.
func NewClockFromTimestamp(nodeID uint32, seed HLC) *Clock {
	c := &Clock{
		nodeID:         nodeID,
		maxDriftMillis: DefaultMaxDriftMillis,
		now:            wallClockMillis,
	}
	c.last = seed
	if c.last.NodeID == 0 {
		c.last.NodeID = nodeID
	}
	return c
}

func wallClockMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SetMaxDriftMillis overrides the drift bound enforced by Receive.
func (c *Clock) SetMaxDriftMillis(ms uint64) { c.maxDriftMillis = ms }

// NodeID returns this clock's node id.
func (c *Clock) NodeID() uint32 { return c.nodeID }

// Last returns the most recently issued or merged timestamp.
func (c *Clock) Last() HLC { return c.last }

// Tick advances the clock for a new local event: if the wall clock has
// moved forward since the last tick, the physical time advances and the
// logical counter resets to zero; otherwise the physical time holds and
// the logical counter increments.
func (c *Clock) Tick() HLC {
	wall := c.now()
	if wall > c.last.PhysicalTimeMillis {
		c.last = HLC{PhysicalTimeMillis: wall, LogicalCounter: 0, NodeID: c.nodeID}
	} else {
		c.last = HLC{
			PhysicalTimeMillis: c.last.PhysicalTimeMillis,
			LogicalCounter:     c.last.LogicalCounter + 1,
			NodeID:             c.nodeID,
		}
	}
	return c.last
}

// Receive merges a timestamp observed elsewhere into the clock, following
// the standard HLC merge rule: the new physical time is the max of the wall
// clock, the local last-seen physical time, and the remote physical time.
// The logical counter is reset to zero unless the new physical time equals
// one or both of the inputs' physical times, in which case it is derived
// from whichever counter(s) tie for the max physical time (incrementing the
// larger, or one more than the larger of the two on an exact tie).
func (c *Clock) Receive(remote HLC) (HLC, error) {
	wall := c.now()
	if remote.PhysicalTimeMillis > wall+c.maxDriftMillis {
		return HLC{}, &ErrExcessiveDrift{Remote: remote.PhysicalTimeMillis, Local: wall, MaxDrift: c.maxDriftMillis}
	}

	newPhysical := wall
	if c.last.PhysicalTimeMillis > newPhysical {
		newPhysical = c.last.PhysicalTimeMillis
	}
	if remote.PhysicalTimeMillis > newPhysical {
		newPhysical = remote.PhysicalTimeMillis
	}

	localMax := c.last.PhysicalTimeMillis == newPhysical
	remoteMax := remote.PhysicalTimeMillis == newPhysical
	wallMax := wall == newPhysical

	var newLogical uint32
	switch {
	case localMax && remoteMax:
		if c.last.LogicalCounter > remote.LogicalCounter {
			newLogical = c.last.LogicalCounter + 1
		} else {
			newLogical = remote.LogicalCounter + 1
		}
	case localMax:
		newLogical = c.last.LogicalCounter + 1
	case remoteMax:
		newLogical = remote.LogicalCounter + 1
	case wallMax:
		newLogical = 0
	default:
		newLogical = 0
	}

	c.last = HLC{PhysicalTimeMillis: newPhysical, LogicalCounter: newLogical, NodeID: c.nodeID}
	return c.last, nil
}
