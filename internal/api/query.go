package api

import (
	"context"
	"fmt"
	"time"

	"sentrymesh/internal/model"
	"sentrymesh/internal/resolver"
)

// Query wraps a Resolver with spec.md §4.H's read-side operations. It adds
// no state of its own — Resolver already owns the gallery and its mutex.
type Query struct {
	resolver *resolver.Resolver
	bus      *EventBus
	now      func() time.Time
}

// New constructs a Query over r, broadcasting through bus.
func New(r *resolver.Resolver, bus *EventBus) *Query {
	return &Query{resolver: r, bus: bus, now: time.Now}
}

// CountInRoom returns the number of distinct active global persons bound on
// any camera in cameraIDs (spec.md §4.H). With no cameraIDs given, it
// returns the whole-room count across every camera.
func (q *Query) CountInRoom(cameraIDs ...string) int {
	if len(cameraIDs) == 0 {
		return q.resolver.CountInRoom(q.now())
	}
	return q.resolver.CountInRoomForCameras(q.now(), cameraIDs)
}

// ListActive returns a snapshot of every currently-active person.
func (q *Query) ListActive() []*model.GlobalPerson {
	return q.resolver.ListActive(q.now())
}

// GetByGlobalID returns the person with the given global id, or nil.
func (q *Query) GetByGlobalID(globalID uint64) *model.GlobalPerson {
	return q.resolver.GetByGlobalID(globalID)
}

// SetName assigns a human-readable name to a global person, persisting it.
func (q *Query) SetName(ctx context.Context, globalID uint64, name string) error {
	if q.resolver.GetByGlobalID(globalID) == nil {
		return fmt.Errorf("api: unknown global_id %d", globalID)
	}
	return q.resolver.SetName(ctx, globalID, name)
}

// Subscribe registers handler for every person_appeared/moved/disappeared
// event broadcast by the resolver.
func (q *Query) Subscribe(handler Handler) func() {
	return q.bus.Subscribe(handler)
}

// SubscribeChannel is the channel-based equivalent of Subscribe.
func (q *Query) SubscribeChannel(bufferSize int) (<-chan model.Event, func()) {
	return q.bus.SubscribeChannel(bufferSize)
}
