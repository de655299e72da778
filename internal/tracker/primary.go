// Package tracker implements the per-camera Primary Tracker (motion/IoU
// association, spec.md §4.C) and Secondary Tracker (appearance
// re-association, spec.md §4.D). Grounded on
// original_source/razzv4/RAZZv4-backend/services/tracking_service.py's
// ByteTrack-then-DeepSORT two-stage cascade, re-expressed as an explicit
// Hungarian assignment over an IoU cost matrix.
package tracker

import (
	"sort"
	"time"

	"sentrymesh/internal/model"
)

// recoveryFloorRatio sets the low-confidence recovery floor as a fraction of
// TrackActivationThreshold. spec.md §6 enumerates only
// track_activation_threshold for the primary tracker's confidence gating; the
// recovery floor itself is implementation-chosen (spec.md §4.C is explicit
// that this is "design level, not code"); half the activation threshold is
// the value chosen here.
const recoveryFloorRatio = 0.5

// Config holds the primary tracker's configuration, a subset of
// config.Config passed in at construction to keep this package independent
// of the config package.
type Config struct {
	ActivationThreshold  float32
	MatchingThreshold    float32 // IoU floor, spec.md design floor 0.3
	LostTrackBuffer      int
	MinConsecutiveFrames int
}

type track struct {
	model.LocalTrack
}

// Primary is a per-camera motion/IoU tracker.
type Primary struct {
	cfg    Config
	tracks map[uint32]*track
	nextID uint32
}

// NewPrimary constructs a Primary tracker for one camera.
func NewPrimary(cfg Config) *Primary {
	return &Primary{
		cfg:    cfg,
		tracks: make(map[uint32]*track),
	}
}

// Update runs one tick of the two-stage cascade over this frame's
// detections and returns the Confirmed tracks to report upstream plus the
// local IDs of any tracks Removed this tick (for resolver unbinding).
func (p *Primary) Update(dets []model.Detection, now time.Time) (confirmed []model.LocalTrack, removed []uint32) {
	highConf := make([]model.Detection, 0, len(dets))
	lowConf := make([]model.Detection, 0)
	recoveryFloor := p.cfg.ActivationThreshold * recoveryFloorRatio

	for _, d := range dets {
		switch {
		case d.Confidence >= p.cfg.ActivationThreshold:
			highConf = append(highConf, d)
		case d.Confidence >= recoveryFloor:
			lowConf = append(lowConf, d)
		}
	}

	matchedTrackIDs := make(map[uint32]bool)
	matchedDetIdx := make(map[int]bool)

	// Stage 1: high-confidence association against Confirmed, Tentative and
	// Lost tracks (a Lost track may also recover via the primary stage itself
	// if geometry still lines up; spec.md §4.C only restricts stage 2 to Lost
	// tracks exclusively).
	candidates := p.candidateIDs(func(t *track) bool {
		return t.State == model.StateConfirmed || t.State == model.StateLost || t.State == model.StateTentative
	})
	p.matchStage(highConf, candidates, p.cfg.MatchingThreshold, matchedTrackIDs, matchedDetIdx, now)

	// Unmatched high-confidence detections become candidate new tracks. A
	// track created this tick counts as matched so the aging pass below does
	// not discard it before it has had a chance to be seen again.
	for i, d := range highConf {
		if matchedDetIdx[i] {
			continue
		}
		p.createTrack(d, now)
		matchedTrackIDs[p.nextID] = true
	}

	// Stage 2: low-confidence recovery, Lost tracks only.
	lostOnly := p.candidateIDs(func(t *track) bool { return t.State == model.StateLost })
	matchedLowIdx := make(map[int]bool)
	p.matchStage(lowConf, lostOnly, p.cfg.MatchingThreshold, matchedTrackIDs, matchedLowIdx, now)

	// Anything not matched this tick ages; Confirmed tracks become Lost on
	// the first miss, Lost tracks accumulate toward removal.
	for id, t := range p.tracks {
		if matchedTrackIDs[id] {
			t.MissedTicks = 0
			continue
		}
		switch t.State {
		case model.StateConfirmed:
			t.State = model.StateLost
			t.MissedTicks = 1
		case model.StateLost:
			t.MissedTicks++
			if t.MissedTicks >= p.cfg.LostTrackBuffer {
				t.State = model.StateRemoved
			}
		case model.StateTentative:
			// A tentative track that drew no detection this tick is
			// discarded immediately rather than occupying an ID.
			t.State = model.StateRemoved
		}
	}

	for id, t := range p.tracks {
		if t.State == model.StateRemoved {
			removed = append(removed, id)
			delete(p.tracks, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	for _, t := range p.tracks {
		if t.State == model.StateConfirmed {
			confirmed = append(confirmed, t.LocalTrack)
		}
	}
	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i].LocalID < confirmed[j].LocalID })

	return confirmed, removed
}

func (p *Primary) candidateIDs(pred func(*track) bool) []uint32 {
	ids := make([]uint32, 0, len(p.tracks))
	for id, t := range p.tracks {
		if pred(t) {
			ids = append(ids, id)
		}
	}
	// Smaller-ID-first ordering makes the tie-break bias below deterministic
	// and favors stability (spec.md §4.C: "then smaller ID").
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// matchStage builds an IoU cost matrix between dets and the given track IDs,
// solves the assignment, and applies matches above the IoU floor.
func (p *Primary) matchStage(dets []model.Detection, trackIDs []uint32, iouFloor float32, matchedTrackIDs map[uint32]bool, matchedDetIdx map[int]bool, now time.Time) {
	if len(dets) == 0 || len(trackIDs) == 0 {
		return
	}

	// Higher-confidence detections sort first so that, combined with the
	// smaller-ID-first track ordering above, ties in the cost matrix are
	// broken the way spec.md §4.C prescribes ("prefer higher detection
	// confidence; then smaller ID").
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return dets[order[i]].Confidence > dets[order[j]].Confidence })

	cost := make([][]float64, len(order))
	const tieEpsilon = 1e-6
	for rank, di := range order {
		cost[rank] = make([]float64, len(trackIDs))
		for tc, id := range trackIDs {
			iou := dets[di].BBox.IoU(p.tracks[id].BBox)
			c := 1 - float64(iou)
			c += tieEpsilon * float64(rank)
			c += tieEpsilon * float64(tc) / float64(len(trackIDs)+1)
			cost[rank][tc] = c
		}
	}

	result := assign(cost)
	for rank, tc := range result {
		if tc < 0 {
			continue
		}
		di := order[rank]
		id := trackIDs[tc]
		iou := dets[di].BBox.IoU(p.tracks[id].BBox)
		if iou < iouFloor {
			continue
		}
		if matchedTrackIDs[id] || matchedDetIdx[di] {
			continue
		}

		t := p.tracks[id]
		t.BBox = dets[di].BBox
		t.Confidence = dets[di].Confidence
		t.LastSeen = now
		t.HitStreak++
		t.Source = model.SourcePrimary
		if t.State == model.StateTentative && t.HitStreak >= p.cfg.MinConsecutiveFrames {
			t.State = model.StateConfirmed
		} else if t.State == model.StateLost {
			t.State = model.StateConfirmed
		}

		matchedTrackIDs[id] = true
		matchedDetIdx[di] = true
	}
}

func (p *Primary) createTrack(d model.Detection, now time.Time) {
	p.nextID++
	id := p.nextID
	p.tracks[id] = &track{LocalTrack: model.LocalTrack{
		LocalID:    id,
		BBox:       d.BBox,
		Confidence: d.Confidence,
		Source:     model.SourcePrimary,
		State:      model.StateTentative,
		LastSeen:   now,
		HitStreak:  1,
	}}
}

// Reattach installs a secondary-tracker recovered track back into the
// primary tracker's table as Confirmed, preserving its local ID. Used when
// the Secondary Tracker matches an uncertain detection to a recent
// appearance prototype (spec.md §4.D).
func (p *Primary) Reattach(localID uint32, d model.Detection, embedding []float32, now time.Time) {
	t, ok := p.tracks[localID]
	if !ok {
		p.tracks[localID] = &track{LocalTrack: model.LocalTrack{
			LocalID:     localID,
			BBox:        d.BBox,
			Confidence:  d.Confidence,
			LastFeature: embedding,
			Source:      model.SourceSecondary,
			State:       model.StateConfirmed,
			LastSeen:    now,
			HitStreak:   1,
		}}
		if localID > p.nextID {
			p.nextID = localID
		}
		return
	}
	t.BBox = d.BBox
	t.Confidence = d.Confidence
	t.LastFeature = embedding
	t.Source = model.SourceSecondary
	t.State = model.StateConfirmed
	t.LastSeen = now
	t.MissedTicks = 0
}

// NewLocalID allocates a fresh local ID for a track the Secondary Tracker
// decides is genuinely new (no reattachment candidate matched).
func (p *Primary) NewLocalID() uint32 {
	p.nextID++
	return p.nextID
}

// UncertainDetections returns, from the last Update's confirmed set plus any
// track currently Lost, the detections/tracks the Secondary Tracker should
// consider: confidence below secondaryConfThreshold, or unmatched (Lost) for
// up to nInit frames (spec.md §4.D).
func (p *Primary) UncertainDetections(secondaryConfThreshold float32, nInit int) []model.LocalTrack {
	var out []model.LocalTrack
	for _, t := range p.tracks {
		if t.State == model.StateLost && t.MissedTicks <= nInit {
			out = append(out, t.LocalTrack)
			continue
		}
		if t.State == model.StateConfirmed && t.Confidence < secondaryConfThreshold {
			out = append(out, t.LocalTrack)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}
