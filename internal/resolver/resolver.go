// Package resolver implements the Global Resolver (spec.md §4.F): the
// single shared, mutex-protected mapping from (camera_id, local_id) to a
// cross-camera global person identity. Grounded directly on
// original_source/razzv4/.../global_person_tracker.py's
// match_or_create_person priority ordering (existing binding -> face match
// -> spatial match -> new person) and its cleanup/sync background loops.
package resolver

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sentrymesh/internal/model"
)

// Store is the subset of the Persistence Layer the resolver depends on
// (spec.md §4.G), kept as an interface so the resolver package does not
// import internal/store directly.
type Store interface {
	LoadActive(ctx context.Context) ([]*model.GlobalPerson, error)
	Upsert(ctx context.Context, p *model.GlobalPerson, isActive bool) error
	KNN(ctx context.Context, embedding []float32, k int) ([]*model.GlobalPerson, error)
	SetName(ctx context.Context, globalID uint64, name string) error
}

// Config configures the resolver, a subset of config.Config.
type Config struct {
	FaceSimilarityThreshold float32
	PersonTimeout           time.Duration
	CleanupInterval         time.Duration
	DBSyncInterval          time.Duration
	SpatialIoUFloor         float32
	CovisibilityWindow      time.Duration
	EMAAlpha                float32
}

type binding struct {
	cameraID string
	localID  uint32
}

// Resolver is the process-wide Global Resolver. One instance is shared by
// every camera worker.
type Resolver struct {
	cfg    Config
	store  Store
	logger *log.Logger
	bus    EventPublisher

	mu          sync.Mutex
	persons     map[uint64]*model.GlobalPerson
	bindings    map[binding]uint64
	nextGlobal  uint64
	knnGroup    singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// EventPublisher is the narrow interface the resolver needs from
// internal/api's EventBus to announce appearances/moves/disappearances.
type EventPublisher interface {
	Publish(model.Event)
}

// New constructs a Resolver. Call Start to load persisted state and begin
// the background cleanup/sync loops.
func New(cfg Config, store Store, bus EventPublisher, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(log.Writer(), "[resolver] ", log.Ltime)
	}
	return &Resolver{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		bus:        bus,
		persons:    make(map[uint64]*model.GlobalPerson),
		bindings:   make(map[binding]uint64),
		nextGlobal: 1,
		stopCh:     make(chan struct{}),
	}
}

// Start loads active persons from the persistence layer (camera_tracks
// cleared on load, per SPEC_FULL.md §9's resolved Open Question) and
// launches the cleanup and database-sync background loops.
func (r *Resolver) Start(ctx context.Context) error {
	persons, err := r.store.LoadActive(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, p := range persons {
		p.CameraTracks = make(map[string]uint32)
		p.CameraPositions = make(map[string]model.PositionSnapshot)
		r.persons[p.GlobalID] = p
		if p.GlobalID >= r.nextGlobal {
			r.nextGlobal = p.GlobalID + 1
		}
	}
	r.mu.Unlock()

	r.logger.Printf("loaded %d persons from store", len(persons))

	r.wg.Add(2)
	go r.cleanupLoop()
	go r.syncLoop()
	return nil
}

// Stop terminates the background loops and blocks until they exit.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Observation is one tick's worth of information the Primary/Secondary
// trackers and Embedding Extractor have produced for a single local track.
type Observation struct {
	CameraID   string
	LocalID    uint32
	BBox       model.BBox
	Embedding  []float32 // nil if extraction failed or was skipped this tick
	Quality    float32
	Confidence float32
	At         time.Time
}

// Resolve implements match_or_create_person's four-case priority ordering
// (spec.md §4.F): existing binding, then face/appearance match, then
// spatial IoU match, then new person. It returns the resolved global ID.
func (r *Resolver) Resolve(obs Observation) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := binding{cameraID: obs.CameraID, localID: obs.LocalID}

	// Case 1: existing binding.
	if gid, ok := r.bindings[key]; ok {
		if p, ok := r.persons[gid]; ok {
			r.updatePersonLocked(p, obs)
			return gid
		}
		delete(r.bindings, key)
	}

	// Case 2: face/appearance match.
	if len(obs.Embedding) > 0 {
		if gid, ok := r.findBestAppearanceMatchLocked(obs); ok {
			fromCamera, _ := lastCameraLocked(r.persons[gid])
			r.bindings[key] = gid
			r.updatePersonLocked(r.persons[gid], obs)
			r.publishRebind(gid, fromCamera, obs)
			return gid
		}
	}

	// Case 3: spatial IoU match within the covisibility window.
	if gid, ok := r.findBestSpatialMatchLocked(obs); ok {
		fromCamera, _ := lastCameraLocked(r.persons[gid])
		r.bindings[key] = gid
		r.updatePersonLocked(r.persons[gid], obs)
		r.publishRebind(gid, fromCamera, obs)
		return gid
	}

	// Case 4: new person.
	gid := r.createPersonLocked(obs)
	r.bindings[key] = gid
	r.publish(model.Event{Kind: model.EventPersonAppeared, GlobalID: gid, CameraID: obs.CameraID, At: obs.At})
	return gid
}

// findBestAppearanceMatchLocked mirrors _find_best_face_match: cosine
// similarity against every active person's canonical embedding not already
// bound on this camera (spec.md §4.F's invariant-preservation tie-break
// rule, which binds this case as well as the spatial one below), with a
// same-camera-recently-seen boost (spec.md §9's resolved boost scope: only
// when the candidate's *last* camera equals the querying camera).
func (r *Resolver) findBestAppearanceMatchLocked(obs Observation) (uint64, bool) {
	bestID := uint64(0)
	bestSim := r.cfg.FaceSimilarityThreshold
	found := false

	for _, gid := range r.sortedPersonIDsLocked() {
		p := r.persons[gid]
		if !p.IsActive(obs.At, r.cfg.PersonTimeout) || len(p.CanonicalEmbedding) == 0 {
			continue
		}
		if _, onThisCamera := p.CameraTracks[obs.CameraID]; onThisCamera {
			continue
		}
		sim := cosine(obs.Embedding, p.CanonicalEmbedding)

		if lastCam, ok := lastCameraLocked(p); ok && lastCam == obs.CameraID {
			if obs.At.Sub(p.LastSeen) < 5*time.Second {
				sim *= 1.1
			}
		}

		if sim > bestSim {
			bestSim = sim
			bestID = gid
			found = true
		}
	}

	if !found {
		return 0, false
	}
	return bestID, true
}

// findBestSpatialMatchLocked mirrors _find_best_spatial_match: IoU against
// every other camera's current position for active persons not already
// bound on this camera, restricted to the covisibility window.
func (r *Resolver) findBestSpatialMatchLocked(obs Observation) (uint64, bool) {
	bestID := uint64(0)
	bestIoU := r.cfg.SpatialIoUFloor
	found := false

	for _, gid := range r.sortedPersonIDsLocked() {
		p := r.persons[gid]
		if !p.IsActive(obs.At, r.cfg.PersonTimeout) {
			continue
		}
		if _, onThisCamera := p.CameraTracks[obs.CameraID]; onThisCamera {
			continue
		}
		if obs.At.Sub(p.LastSeen) > r.cfg.CovisibilityWindow {
			continue
		}
		for otherCam, pos := range p.CameraPositions {
			if otherCam == obs.CameraID {
				continue
			}
			iou := obs.BBox.IoU(pos.BBox)
			if iou > bestIoU {
				bestIoU = iou
				bestID = gid
				found = true
			}
		}
	}

	if !found {
		return 0, false
	}
	return bestID, true
}

// sortedPersonIDsLocked returns every known global ID in ascending order,
// so that the strict "sim > best" / "iou > best" comparisons above
// deterministically favor the smallest global_id on a similarity tie
// (spec.md §4.F's tie-break rule), independent of Go's randomized map
// iteration order.
func (r *Resolver) sortedPersonIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(r.persons))
	for gid := range r.persons {
		ids = append(ids, gid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// publishRebind announces case 2/3's binding of an existing global person
// onto a new (camera_id, local_id): a PersonMoved event when the person's
// last known camera differs from the one just bound (spec.md §4.H), or a
// PersonAppeared event otherwise (e.g. fromCamera is unknown, or it
// happens to equal obs.CameraID because a stale position snapshot
// lingered from a binding that was already removed).
func (r *Resolver) publishRebind(gid uint64, fromCamera string, obs Observation) {
	if fromCamera != "" && fromCamera != obs.CameraID {
		r.publish(model.Event{Kind: model.EventPersonMoved, GlobalID: gid, From: fromCamera, To: obs.CameraID, At: obs.At})
		return
	}
	r.publish(model.Event{Kind: model.EventPersonAppeared, GlobalID: gid, CameraID: obs.CameraID, At: obs.At})
}

func lastCameraLocked(p *model.GlobalPerson) (string, bool) {
	var best string
	var bestAt time.Time
	for cam, pos := range p.CameraPositions {
		if pos.Timestamp.After(bestAt) {
			bestAt = pos.Timestamp
			best = cam
		}
	}
	return best, best != ""
}

// updatePersonLocked folds one observation into an existing person:
// bookkeeping fields always update; the canonical embedding updates via a
// quality-gated EMA blend (spec.md §4.F) — a strictly-better-quality
// embedding fully replaces the canonical vector, otherwise it is
// EMA-blended in.
func (r *Resolver) updatePersonLocked(p *model.GlobalPerson, obs Observation) {
	p.LastSeen = obs.At
	if p.FirstSeen.IsZero() {
		p.FirstSeen = obs.At
	}
	p.TotalAppearances++
	if p.CamerasVisited == nil {
		p.CamerasVisited = make(map[string]struct{})
	}
	p.CamerasVisited[obs.CameraID] = struct{}{}
	if p.CameraTracks == nil {
		p.CameraTracks = make(map[string]uint32)
	}
	p.CameraTracks[obs.CameraID] = obs.LocalID
	if p.CameraPositions == nil {
		p.CameraPositions = make(map[string]model.PositionSnapshot)
	}
	p.CameraPositions[obs.CameraID] = model.PositionSnapshot{BBox: obs.BBox, Timestamp: obs.At}

	if len(obs.Embedding) == 0 {
		return
	}
	switch {
	case len(p.CanonicalEmbedding) == 0, obs.Quality > p.BestQuality:
		// spec.md §4.F: a strictly-better-quality observation replaces the
		// canonical embedding and best_quality outright.
		p.CanonicalEmbedding = append([]float32(nil), obs.Embedding...)
		p.BestQuality = obs.Quality
	default:
		p.CanonicalEmbedding = emaBlend(p.CanonicalEmbedding, obs.Embedding, r.cfg.EMAAlpha)
	}
}

func (r *Resolver) createPersonLocked(obs Observation) uint64 {
	gid := r.nextGlobal
	r.nextGlobal++

	p := &model.GlobalPerson{
		GlobalID:         gid,
		FirstSeen:        obs.At,
		LastSeen:         obs.At,
		TotalAppearances: 1,
		CamerasVisited:   map[string]struct{}{obs.CameraID: {}},
		CameraTracks:     map[string]uint32{obs.CameraID: obs.LocalID},
		CameraPositions:  map[string]model.PositionSnapshot{obs.CameraID: {BBox: obs.BBox, Timestamp: obs.At}},
	}
	if len(obs.Embedding) > 0 {
		p.CanonicalEmbedding = append([]float32(nil), obs.Embedding...)
		p.BestQuality = obs.Quality
	}
	r.persons[gid] = p
	return gid
}

// Unbind removes a camera/local_id binding, called when the Primary
// Tracker reports a track Removed. The global person itself is left in
// place; it is reaped by the cleanup loop once it goes inactive.
func (r *Resolver) Unbind(cameraID string, localID uint32, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := binding{cameraID: cameraID, localID: localID}
	gid, ok := r.bindings[key]
	if !ok {
		return
	}
	delete(r.bindings, key)

	if p, ok := r.persons[gid]; ok {
		delete(p.CameraTracks, cameraID)
		delete(p.CameraPositions, cameraID)
		r.publish(model.Event{Kind: model.EventPersonDisappeared, GlobalID: gid, CameraID: cameraID, At: at})
	}
}

// CountInRoom returns the number of active global persons across every
// camera, the whole-building occupancy count ambient metrics poll.
func (r *Resolver) CountInRoom(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.persons {
		if p.IsActive(now, r.cfg.PersonTimeout) {
			n++
		}
	}
	return n
}

// CountInRoomForCameras returns the number of distinct active global IDs
// bound on any camera in cameraIDs (spec.md §4.H: "number of distinct active
// global IDs currently bound on any camera in the set"). An empty set
// matches no one; pass every configured camera ID for the whole-room count.
func (r *Resolver) CountInRoomForCameras(now time.Time, cameraIDs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.persons {
		if !p.IsActive(now, r.cfg.PersonTimeout) {
			continue
		}
		for _, c := range cameraIDs {
			if _, ok := p.CameraTracks[c]; ok {
				n++
				break
			}
		}
	}
	return n
}

// GallerySize returns the total number of persons held in the gallery,
// active or not, for ambient metrics.
func (r *Resolver) GallerySize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persons)
}

// ListActive returns a snapshot of every currently active global person,
// sorted by global ID for deterministic output.
func (r *Resolver) ListActive(now time.Time) []*model.GlobalPerson {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.GlobalPerson, 0, len(r.persons))
	for _, p := range r.persons {
		if p.IsActive(now, r.cfg.PersonTimeout) {
			out = append(out, p.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	return out
}

// GetByGlobalID returns a snapshot of one person, or nil if unknown.
func (r *Resolver) GetByGlobalID(gid uint64) *model.GlobalPerson {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.persons[gid]
	if !ok {
		return nil
	}
	return p.Snapshot()
}

// SetName assigns a human-readable name to a global person, both in memory
// and in the persistence layer.
func (r *Resolver) SetName(ctx context.Context, gid uint64, name string) error {
	r.mu.Lock()
	p, ok := r.persons[gid]
	if ok {
		p.AssignedName = name
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.store.SetName(ctx, gid, name)
}

// ColdStartRecall runs a KNN lookup against the persistence layer for a
// person not found in memory (e.g. after a process restart mid-horizon).
// Concurrent identical queries collapse onto one store round trip via
// golang.org/x/sync/singleflight, mirroring the original's
// load-into-memory-on-match behavior without the duplicate DB hit.
func (r *Resolver) ColdStartRecall(ctx context.Context, embedding []float32) (*model.GlobalPerson, error) {
	key := singleflightKey(embedding)
	v, err, _ := r.knnGroup.Do(key, func() (interface{}, error) {
		matches, err := r.store.KNN(ctx, embedding, 1)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return (*model.GlobalPerson)(nil), nil
		}
		best := matches[0]
		sim := cosine(embedding, best.CanonicalEmbedding)
		if sim < r.cfg.FaceSimilarityThreshold {
			return (*model.GlobalPerson)(nil), nil
		}

		r.mu.Lock()
		if _, exists := r.persons[best.GlobalID]; !exists {
			best.CameraTracks = make(map[string]uint32)
			best.CameraPositions = make(map[string]model.PositionSnapshot)
			r.persons[best.GlobalID] = best
		}
		r.mu.Unlock()
		return best, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*model.GlobalPerson), nil
}

func (r *Resolver) publish(evt model.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}

func (r *Resolver) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.cleanupOnce(now)
		}
	}
}

func (r *Resolver) cleanupOnce(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for gid, p := range r.persons {
		if p.IsActive(now, r.cfg.PersonTimeout) {
			continue
		}
		delete(r.persons, gid)
		for key, boundGID := range r.bindings {
			if boundGID == gid {
				delete(r.bindings, key)
			}
		}
	}
}

func (r *Resolver) syncLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DBSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.syncOnce(context.Background())
		}
	}
}

func (r *Resolver) syncOnce(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*model.GlobalPerson, 0, len(r.persons))
	for _, p := range r.persons {
		snapshot = append(snapshot, p.Snapshot())
	}
	r.mu.Unlock()

	now := time.Now()
	for _, p := range snapshot {
		if err := r.store.Upsert(ctx, p, p.IsActive(now, r.cfg.PersonTimeout)); err != nil {
			r.logger.Printf("sync: upsert global_id=%d failed: %v", p.GlobalID, err)
		}
	}
}

func emaBlend(canonical, fresh []float32, alpha float32) []float32 {
	if alpha <= 0 {
		alpha = 0.9
	}
	out := make([]float32, len(canonical))
	for i := range canonical {
		var f float32
		if i < len(fresh) {
			f = fresh[i]
		}
		out[i] = alpha*canonical[i] + (1-alpha)*f
	}
	return normalize(out)
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq <= 0 {
		return v
	}
	inv := invSqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func invSqrt(x float32) float32 {
	z := x
	for i := 0; i < 8; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return 1 / z
}

func singleflightKey(embedding []float32) string {
	// A coarse quantized key is sufficient: singleflight only needs to
	// collapse near-simultaneous identical queries, not act as a cache.
	buf := make([]byte, 0, len(embedding)*4)
	for _, f := range embedding {
		q := int32(f * 1000)
		buf = append(buf, byte(q), byte(q>>8), byte(q>>16), byte(q>>24))
	}
	return string(buf)
}
