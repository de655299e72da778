package pipeline

import "time"

// Stats mirrors the teacher's PipelineStats shape, trimmed to the counters
// a single fixed detector->tracker->embedding->resolver chain actually
// produces. The teacher's DetectionMode/ExecutionMode/EffectiveConfig
// machinery selected between disabled/motion/scheduled/hybrid detection
// triggers across several pluggable detector types (yolo/face/plate); this
// domain runs one fixed chain per paced frame (pacing itself lives in
// camera.Worker, secondary-pass rate limiting in tracker.Secondary), so none
// of that selection layer survives here.
type Stats struct {
	CameraID        string
	FramesProcessed uint64
	DetectionsTotal uint64
	TracksConfirmed int
	LastProcessedAt time.Time
	AvgInferenceMs  float32
}
