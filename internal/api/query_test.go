package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
	"sentrymesh/internal/resolver"
)

type fakeStore struct{}

func (fakeStore) LoadActive(ctx context.Context) ([]*model.GlobalPerson, error) { return nil, nil }
func (fakeStore) Upsert(ctx context.Context, p *model.GlobalPerson, isActive bool) error { return nil }
func (fakeStore) KNN(ctx context.Context, embedding []float32, k int) ([]*model.GlobalPerson, error) {
	return nil, nil
}
func (fakeStore) SetName(ctx context.Context, globalID uint64, name string) error { return nil }

func testResolverConfig() resolver.Config {
	return resolver.Config{
		FaceSimilarityThreshold: 0.6,
		PersonTimeout:           5 * time.Minute,
		CleanupInterval:         time.Minute,
		DBSyncInterval:          time.Minute,
		SpatialIoUFloor:         0.3,
		CovisibilityWindow:      2 * time.Second,
		EMAAlpha:                0.9,
	}
}

func newTestQuery(t *testing.T) (*Query, *EventBus) {
	bus := NewEventBus()
	r := resolver.New(testResolverConfig(), fakeStore{}, bus, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return New(r, bus), bus
}

func TestQueryCountInRoomReflectsResolvedPersons(t *testing.T) {
	q, _ := newTestQuery(t)
	require.Equal(t, 0, q.CountInRoom())

	q.resolver.Resolve(resolver.Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10}, At: time.Now()})
	require.Equal(t, 1, q.CountInRoom())
	require.Equal(t, 1, q.CountInRoom("cam-1"))
	require.Equal(t, 0, q.CountInRoom("cam-2"))
}

func TestQuerySetNameRejectsUnknownGlobalID(t *testing.T) {
	q, _ := newTestQuery(t)
	err := q.SetName(context.Background(), 999, "alice")
	require.Error(t, err)
}

func TestQuerySubscribeReceivesResolverEvents(t *testing.T) {
	q, bus := newTestQuery(t)
	var received model.Event
	unsub := q.Subscribe(HandlerFunc(func(evt model.Event) { received = evt }))
	defer unsub()

	bus.Publish(model.Event{Kind: model.EventPersonAppeared, GlobalID: 7, CameraID: "cam-1", At: time.Now()})

	require.EqualValues(t, 7, received.GlobalID)
}
