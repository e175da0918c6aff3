package hlc

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/cellsync/internal/types"
)

// ErrClockOverflow is returned when more than MaxCounter timestamps are
// requested within one logical millisecond. It is fatal for the clock.
var ErrClockOverflow = errors.New("hlc counter overflow within one millisecond")

// ErrClockDrift is returned for a remote Hlc whose time is further ahead of
// the local wall clock than the accepted drift.
var ErrClockDrift = errors.New("hlc too far ahead of the wall clock")

// CheckDrift rejects remote when its time exceeds now by more than maxDrift.
// A non-positive maxDrift disables the check.
func CheckDrift(remote types.Hlc, now time.Time, maxDrift time.Duration) error {
	if maxDrift <= 0 {
		return nil
	}
	remoteTime, _, _, err := Decode(remote)
	if err != nil {
		return err
	}
	limit := now.Add(maxDrift).UnixMilli()
	if limit < 0 || remoteTime > uint64(limit) {
		return fmt.Errorf("%w: %s", ErrClockDrift, remote)
	}
	return nil
}

// State is a snapshot of a clock's fields.
type State struct {
	LogicalTime uint64
	Counter     uint32
	NodeHash    uint32
}

// Clock owns the hybrid logical clock state of one replica. It is not safe
// for concurrent use; the owning engine serializes access.
type Clock struct {
	logicalTime uint64
	// counter is -1 between a wall-clock advance and the next increment.
	counter  int64
	nodeHash uint32
	offset   time.Duration
	now      func() time.Time
	err      error
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithOffset shifts the wall clock by a constant amount, simulating drift.
func WithOffset(d time.Duration) ClockOption {
	return func(c *Clock) {
		c.offset = d
	}
}

// WithNow replaces the wall clock source.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// NewClock constructs a clock for the given replica.
func NewClock(replicaID string, opts ...ClockOption) *Clock {
	c := &Clock{
		nodeHash: NodeHash(replicaID),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetLocal returns a new Hlc strictly greater than every Hlc this clock has
// produced or observed.
func (c *Clock) GetLocal() (types.Hlc, error) {
	if c.err != nil {
		return "", c.err
	}
	c.merge(0, 0, false)
	if c.counter+1 > MaxCounter {
		c.err = ErrClockOverflow
		return "", c.err
	}
	c.counter++
	return Encode(c.logicalTime, uint32(c.counter), c.nodeHash), nil
}

// ObserveRemote folds a remote Hlc into the clock state.
func (c *Clock) ObserveRemote(remote types.Hlc) error {
	remoteTime, remoteCounter, _, err := Decode(remote)
	if err != nil {
		return err
	}
	c.merge(remoteTime, int64(remoteCounter), true)
	return nil
}

// State returns the current clock fields. A counter of -1 is reported as 0.
func (c *Clock) State() State {
	counter := c.counter
	if counter < 0 {
		counter = 0
	}
	return State{LogicalTime: c.logicalTime, Counter: uint32(counter), NodeHash: c.nodeHash}
}

func (c *Clock) merge(remoteTime uint64, remoteCounter int64, hasRemote bool) {
	if !hasRemote {
		remoteTime, remoteCounter = 0, 0
	}
	previous := c.logicalTime
	newTime := previous
	if remoteTime > newTime {
		newTime = remoteTime
	}
	if wall := c.wallMillis(); wall > newTime {
		newTime = wall
	}

	switch {
	case newTime == previous && newTime == remoteTime:
		if remoteCounter > c.counter {
			c.counter = remoteCounter
		}
	case newTime == previous:
	case newTime == remoteTime:
		c.counter = remoteCounter
	default:
		c.counter = -1
	}
	c.logicalTime = newTime
}

func (c *Clock) wallMillis() uint64 {
	ms := c.now().Add(c.offset).UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
