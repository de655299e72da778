package tracker

import (
	"sync"
	"time"

	"sentrymesh/internal/model"
)

// prototype is a recent appearance vector kept for a local track, pruned
// once older than MaxAge (spec.md §4.D).
type prototype struct {
	localID   uint32
	embedding []float32
	lastSeen  time.Time
}

// SecondaryConfig configures the appearance re-association tracker.
type SecondaryConfig struct {
	MaxAge                 time.Duration
	SecondaryConfThreshold float32
	MinInterval            time.Duration // rate limit between secondary passes
}

// Secondary is the per-camera deep-appearance re-association tracker. It
// runs at a lower rate than Primary, amortizing embedding cost, grounded on
// original_source's tracking_service.py DeepSORT fallback and on
// marcopennelli-orbo/internal/pipeline/strategies/hybrid.go's
// cooldown-gated trigger state machine.
type Secondary struct {
	cfg    SecondaryConfig
	mu     sync.Mutex
	gallery []prototype
	lastRun time.Time
}

// NewSecondary constructs a Secondary tracker for one camera.
func NewSecondary(cfg SecondaryConfig) *Secondary {
	return &Secondary{cfg: cfg}
}

// ShouldRun reports whether enough time has elapsed since the last secondary
// pass, mirroring strategies.ContinuousStrategy's minInterval gate.
func (s *Secondary) ShouldRun(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MinInterval <= 0 {
		return true
	}
	return now.Sub(s.lastRun) >= s.cfg.MinInterval
}

// MarkRun records that a secondary pass completed at now.
func (s *Secondary) MarkRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = now
	s.pruneLocked(now)
}

// Resolution is the outcome of matching one uncertain detection against the
// appearance gallery.
type Resolution struct {
	LocalID   uint32
	IsNew     bool
	Embedding []float32
}

// Resolve attempts to reattach embedding to an existing prototype in the
// per-camera gallery; otherwise reports that a new local track is needed.
// Resolution ordering is the caller's responsibility to enforce: secondary
// MUST NOT override a primary assignment (spec.md §4.D) — Resolve only ever
// sees detections the Primary tracker already flagged as uncertain/residual.
func (s *Secondary) Resolve(embedding []float32, now time.Time) Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	bestIdx := -1
	bestSim := float32(s.cfg.SecondaryConfThreshold)
	for i, p := range s.gallery {
		sim := cosine(embedding, p.embedding)
		if sim > bestSim {
			bestSim = sim
			bestIdx = i
		}
	}

	if bestIdx >= 0 {
		s.gallery[bestIdx].embedding = embedding
		s.gallery[bestIdx].lastSeen = now
		return Resolution{LocalID: s.gallery[bestIdx].localID, IsNew: false, Embedding: embedding}
	}

	return Resolution{IsNew: true, Embedding: embedding}
}

// Register adds or refreshes a prototype for localID — called once a local
// track (new or reattached) has a fresh embedding, so future occlusions can
// recover it by appearance.
func (s *Secondary) Register(localID uint32, embedding []float32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.gallery {
		if p.localID == localID {
			s.gallery[i].embedding = embedding
			s.gallery[i].lastSeen = now
			return
		}
	}
	s.gallery = append(s.gallery, prototype{localID: localID, embedding: embedding, lastSeen: now})
}

// Forget removes localID's prototype, called when the Primary tracker fully
// removes the track.
func (s *Secondary) Forget(localID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.gallery {
		if p.localID == localID {
			s.gallery = append(s.gallery[:i], s.gallery[i+1:]...)
			return
		}
	}
}

func (s *Secondary) pruneLocked(now time.Time) {
	if s.cfg.MaxAge <= 0 {
		return
	}
	kept := s.gallery[:0]
	for _, p := range s.gallery {
		if now.Sub(p.lastSeen) <= s.cfg.MaxAge {
			kept = append(kept, p)
		}
	}
	s.gallery = kept
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
