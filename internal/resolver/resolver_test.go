package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

type fakeStore struct {
	active []*model.GlobalPerson
	knn    []*model.GlobalPerson
}

func (f *fakeStore) LoadActive(ctx context.Context) ([]*model.GlobalPerson, error) { return f.active, nil }
func (f *fakeStore) Upsert(ctx context.Context, p *model.GlobalPerson, isActive bool) error { return nil }
func (f *fakeStore) KNN(ctx context.Context, embedding []float32, k int) ([]*model.GlobalPerson, error) {
	return f.knn, nil
}
func (f *fakeStore) SetName(ctx context.Context, globalID uint64, name string) error { return nil }

type fakeBus struct {
	events []model.Event
}

func (b *fakeBus) Publish(e model.Event) { b.events = append(b.events, e) }

func testConfig() Config {
	return Config{
		FaceSimilarityThreshold: 0.5,
		PersonTimeout:           30 * time.Second,
		CleanupInterval:         time.Hour,
		DBSyncInterval:          time.Hour,
		SpatialIoUFloor:         0.3,
		CovisibilityWindow:      2 * time.Second,
		EMAAlpha:                0.9,
	}
}

func newTestResolver(t *testing.T, store Store, bus EventPublisher) *Resolver {
	r := New(testConfig(), store, bus, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestResolveCreatesNewPersonWhenNoMatch(t *testing.T) {
	bus := &fakeBus{}
	r := newTestResolver(t, &fakeStore{}, bus)
	now := time.Now()

	gid := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10}, At: now})
	require.EqualValues(t, 1, gid)
	require.Len(t, bus.events, 1)
	require.Equal(t, model.EventPersonAppeared, bus.events[0].Kind)
}

func TestResolveExistingBindingReturnsSameGlobalID(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()

	gid1 := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10}, At: now})
	gid2 := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 12, Y2: 12}, At: now.Add(time.Second)})
	require.Equal(t, gid1, gid2)
}

func TestResolveAppearanceMatchAcrossCameras(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()
	emb := []float32{1, 0, 0}

	gid1 := r.Resolve(Observation{
		CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10},
		Embedding: emb, Quality: 0.8, At: now,
	})

	// A different camera/local_id, same appearance: should bind to the same
	// global identity via the face-match priority tier.
	gid2 := r.Resolve(Observation{
		CameraID: "cam-2", LocalID: 5, BBox: model.BBox{X1: 500, Y1: 500, X2: 520, Y2: 520},
		Embedding: []float32{0.99, 0.01, 0}, Quality: 0.7, At: now.Add(time.Second),
	})
	require.Equal(t, gid1, gid2)
}

func TestResolveAppearanceMatchExcludesCandidateAlreadyBoundOnSameCamera(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()
	emb := []float32{1, 0, 0}

	gid1 := r.Resolve(Observation{
		CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10},
		Embedding: emb, Quality: 0.8, At: now,
	})

	// A second, distinct local track on the *same* camera with a near-identical
	// embedding must not be folded into the same global person: a camera can
	// bind at most one local_id to a given global_id at a time (spec.md §4.F's
	// invariant-preservation tie-break, which binds the appearance case too).
	gid2 := r.Resolve(Observation{
		CameraID: "cam-1", LocalID: 2, BBox: model.BBox{X1: 200, Y1: 200, X2: 220, Y2: 220},
		Embedding: []float32{0.99, 0.01, 0}, Quality: 0.7, At: now.Add(time.Second),
	})
	require.NotEqual(t, gid1, gid2, "two local tracks on the same camera must not resolve to one global_id")
}

func TestResolveAppearanceMatchAcrossCamerasPublishesMoved(t *testing.T) {
	bus := &fakeBus{}
	r := newTestResolver(t, &fakeStore{}, bus)
	now := time.Now()
	emb := []float32{1, 0, 0}

	gid1 := r.Resolve(Observation{
		CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10},
		Embedding: emb, Quality: 0.8, At: now,
	})
	gid2 := r.Resolve(Observation{
		CameraID: "cam-2", LocalID: 5, BBox: model.BBox{X1: 500, Y1: 500, X2: 520, Y2: 520},
		Embedding: []float32{0.99, 0.01, 0}, Quality: 0.7, At: now.Add(time.Second),
	})
	require.Equal(t, gid1, gid2)

	var moved *model.Event
	for i := range bus.events {
		if bus.events[i].Kind == model.EventPersonMoved {
			moved = &bus.events[i]
		}
	}
	require.NotNil(t, moved, "a rebind to a different camera must publish PersonMoved")
	require.Equal(t, "cam-1", moved.From)
	require.Equal(t, "cam-2", moved.To)
}

func TestResolveSpatialMatchWithinCovisibilityWindow(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()
	box := model.BBox{X1: 100, Y1: 100, X2: 150, Y2: 200}

	gid1 := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: box, At: now})

	// Same position seen immediately on a different camera with no
	// appearance embedding at all: must fall through to spatial match.
	gid2 := r.Resolve(Observation{CameraID: "cam-2", LocalID: 9, BBox: box, At: now.Add(500 * time.Millisecond)})
	require.Equal(t, gid1, gid2)
}

func TestResolveSpatialMatchExpiresAfterCovisibilityWindow(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()
	box := model.BBox{X1: 100, Y1: 100, X2: 150, Y2: 200}

	gid1 := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: box, At: now})
	gid2 := r.Resolve(Observation{CameraID: "cam-2", LocalID: 9, BBox: box, At: now.Add(5 * time.Second)})
	require.NotEqual(t, gid1, gid2, "spatial match must not apply once the covisibility window has elapsed")
}

func TestUnbindRemovesCameraTrackAndPublishesDisappeared(t *testing.T) {
	bus := &fakeBus{}
	r := newTestResolver(t, &fakeStore{}, bus)
	now := time.Now()

	gid := r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10}, At: now})
	r.Unbind("cam-1", 1, now.Add(time.Second))

	p := r.GetByGlobalID(gid)
	require.NotNil(t, p)
	_, stillBound := p.CameraTracks["cam-1"]
	require.False(t, stillBound)

	found := false
	for _, e := range bus.events {
		if e.Kind == model.EventPersonDisappeared {
			found = true
		}
	}
	require.True(t, found)
}

func TestCountInRoomExcludesInactivePersons(t *testing.T) {
	r := newTestResolver(t, &fakeStore{}, &fakeBus{})
	now := time.Now()

	r.Resolve(Observation{CameraID: "cam-1", LocalID: 1, BBox: model.BBox{X2: 10, Y2: 10}, At: now})
	require.Equal(t, 1, r.CountInRoom(now))
	require.Equal(t, 0, r.CountInRoom(now.Add(time.Hour)))
}

func TestEMABlendKeepsVectorUnitNorm(t *testing.T) {
	out := emaBlend([]float32{1, 0}, []float32{0, 1}, 0.9)
	var sumSq float32
	for _, x := range out {
		sumSq += x * x
	}
	require.InDelta(t, 1.0, sumSq, 1e-3)
}

func TestColdStartRecallReturnsStoreMatchAboveThreshold(t *testing.T) {
	store := &fakeStore{knn: []*model.GlobalPerson{{
		GlobalID:           9,
		CanonicalEmbedding: []float32{1, 0, 0},
	}}}
	r := newTestResolver(t, store, &fakeBus{})

	p, err := r.ColdStartRecall(context.Background(), []float32{1, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.EqualValues(t, 9, p.GlobalID)
}
