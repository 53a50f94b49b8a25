package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackingContext correlates a listener or a single rendezvous across log
// lines and error messages. Its id may start out locally generated and
// later be replaced, exactly once, by a service-enriched value handed back
// on a successful connect.
type TrackingContext struct {
	mu          sync.RWMutex
	trackingID  string
	subsystemID string
	cached      string
}

// NewTrackingContext mints a TrackingContext for subsystemID (the
// endpoint path), generating a random id.
func NewTrackingContext(subsystemID string) *TrackingContext {
	return NewTrackingContextWithID(subsystemID, uuid.NewString())
}

// NewTrackingContextWithID mints a TrackingContext for subsystemID (the
// endpoint path) using trackingID as-is instead of generating one — the
// case where the id is already known, e.g. the rendezvous id carried in
// an accept control message.
func NewTrackingContextWithID(subsystemID, trackingID string) *TrackingContext {
	tc := &TrackingContext{trackingID: trackingID, subsystemID: subsystemID}
	tc.render()
	return tc
}

// TrackingID returns the current id.
func (tc *TrackingContext) TrackingID() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.trackingID
}

// Replace swaps in a service-enriched id after a successful connect. Per
// invariant, a TrackingContext is never shared across distinct rendezvous,
// so this only ever runs on the context's own owner.
func (tc *TrackingContext) Replace(trackingID string) {
	if trackingID == "" {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.trackingID = trackingID
	tc.render()
}

// String renders "TrackingId:{id}, SubsystemId:{path}, Timestamp:{utc}" —
// the format the relay's own logs use so the two sides can be correlated.
func (tc *TrackingContext) String() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.cached
}

// render must be called with mu held for writing.
func (tc *TrackingContext) render() {
	tc.cached = fmt.Sprintf("TrackingId:%s, SubsystemId:%s, Timestamp:%s",
		tc.trackingID, tc.subsystemID, time.Now().UTC().Format(time.RFC3339))
}
