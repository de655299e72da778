// Package model defines the shared data types that flow between the camera
// worker, trackers, embedding extractor, resolver, and persistence layer.
package model

import "time"

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

// Width returns the box width in pixels.
func (b BBox) Width() float32 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

// Area returns the box area in pixels, 0 if degenerate.
func (b BBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU computes the intersection-over-union of two boxes.
func (b BBox) IoU(o BBox) float32 {
	interX1 := max32(b.X1, o.X1)
	interY1 := max32(b.Y1, o.Y1)
	interX2 := min32(b.X2, o.X2)
	interY2 := min32(b.Y2, o.Y2)

	if interX2 <= interX1 || interY2 <= interY1 {
		return 0
	}

	interArea := (interX2 - interX1) * (interY2 - interY1)
	union := b.Area() + o.Area() - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Frame is an opaque decoded image handed down the pipeline for one pass.
// It is owned by the Camera Worker for the duration of that pass and never
// retained downstream (spec.md §3).
type Frame struct {
	CameraID   string
	FrameIndex uint64
	Timestamp  time.Time
	Width      int
	Height     int
	// Pixels is a contiguous 3-channel (RGB) buffer, Width*Height*3 bytes.
	Pixels []byte
}

// Detection is a single person detection produced by the Detector Adapter.
type Detection struct {
	BBox       BBox
	Confidence float32
}

// TrackSource records which tracker produced a Local Track, for diagnostics
// only (spec.md §4.D: "provenance is retained for diagnostics only").
type TrackSource int

const (
	SourcePrimary TrackSource = iota
	SourceSecondary
)

func (s TrackSource) String() string {
	if s == SourceSecondary {
		return "secondary"
	}
	return "primary"
}

// TrackState is the Primary Tracker's per-track lifecycle state (spec.md §4.C).
type TrackState int

const (
	StateTentative TrackState = iota
	StateConfirmed
	StateLost
	StateRemoved
)

func (s TrackState) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	default:
		return "tentative"
	}
}

// LocalTrack is a camera-scoped identity over time (spec.md §3).
type LocalTrack struct {
	LocalID      uint32
	BBox         BBox
	Confidence   float32
	LastFeature  []float32 // unit-norm appearance embedding, may be nil
	Source       TrackSource
	State        TrackState
	LastSeen     time.Time
	MissedTicks  int
	HitStreak    int // consecutive matched ticks, used for Tentative->Confirmed
}

// Embedding is a unit-norm fixed-dimensional appearance vector together with
// the quality score of the crop it was extracted from (spec.md §4.E).
type Embedding struct {
	Vector  []float32
	Quality float32
}

// GlobalPerson is a cross-camera identity, the unit of room-level counting
// (spec.md §3).
type GlobalPerson struct {
	GlobalID           uint64
	CanonicalEmbedding []float32
	BestQuality        float32
	AssignedName       string
	FirstSeen          time.Time
	LastSeen           time.Time
	TotalAppearances   uint64
	CamerasVisited     map[string]struct{}
	CameraTracks       map[string]uint32 // camera_id -> local_id
	CameraPositions    map[string]PositionSnapshot
}

// PositionSnapshot is a bbox observed at a point in time on one camera.
type PositionSnapshot struct {
	BBox      BBox
	Timestamp time.Time
}

// IsActive reports whether the person was seen within personTimeout of now
// (spec.md §3 invariant).
func (p *GlobalPerson) IsActive(now time.Time, personTimeout time.Duration) bool {
	return now.Sub(p.LastSeen) < personTimeout
}

// Snapshot returns a deep-enough copy of p suitable for handing to callers
// outside the resolver's lock (list_active, get_by_global_id).
func (p *GlobalPerson) Snapshot() *GlobalPerson {
	cp := *p
	cp.CanonicalEmbedding = append([]float32(nil), p.CanonicalEmbedding...)
	cp.CamerasVisited = make(map[string]struct{}, len(p.CamerasVisited))
	for k := range p.CamerasVisited {
		cp.CamerasVisited[k] = struct{}{}
	}
	cp.CameraTracks = make(map[string]uint32, len(p.CameraTracks))
	for k, v := range p.CameraTracks {
		cp.CameraTracks[k] = v
	}
	cp.CameraPositions = make(map[string]PositionSnapshot, len(p.CameraPositions))
	for k, v := range p.CameraPositions {
		cp.CameraPositions[k] = v
	}
	return &cp
}

// EventKind identifies the kind of change-stream event (spec.md §4.H).
type EventKind int

const (
	EventPersonAppeared EventKind = iota
	EventPersonMoved
	EventPersonDisappeared
)

func (k EventKind) String() string {
	switch k {
	case EventPersonMoved:
		return "person_moved"
	case EventPersonDisappeared:
		return "person_disappeared"
	default:
		return "person_appeared"
	}
}

// Event is a single change-stream notification emitted as the resolver
// mutates bindings (spec.md §4.H).
type Event struct {
	Kind     EventKind
	GlobalID uint64
	CameraID string // set for Appeared/Disappeared
	From     string // set for Moved
	To       string // set for Moved
	At       time.Time
}
