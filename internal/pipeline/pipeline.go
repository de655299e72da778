// Package pipeline wires one camera's Detector Adapter, Primary/Secondary
// Trackers, Embedding Extractor, and the shared Global Resolver into the
// single per-frame chain the Camera Worker drives (spec.md §3's pipeline
// order: detect -> track -> embed -> resolve). Grounded on
// marcopennelli-orbo/internal/pipeline/detection_pipeline.go's
// DetectionPipeline.processFrame/runSequential shape, re-expressed as one
// fixed chain instead of a configurable multi-detector/strategy pipeline —
// see types.go for why that selection layer was dropped.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"sentrymesh/internal/model"
	"sentrymesh/internal/resolver"
	"sentrymesh/internal/tracker"
)

// Config assembles one camera's pipeline dependencies.
type Config struct {
	CameraID               string
	Detector                Detector
	Embedder                Embedder
	Resolver                PersonResolver
	Primary                 *tracker.Primary
	Secondary               *tracker.Secondary
	SecondaryConfThreshold  float32
	SecondaryNInit          int
	Logger                  *log.Logger
}

// CameraPipeline implements camera.Pipeline for one camera, chaining
// detection through to global resolution on every paced frame it is handed.
type CameraPipeline struct {
	cfg    Config
	logger *log.Logger

	mu    sync.RWMutex
	stats Stats
}

// New constructs a CameraPipeline.
func New(cfg Config) *CameraPipeline {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[pipeline:"+cfg.CameraID+"] ", log.Ltime)
	}
	return &CameraPipeline{cfg: cfg, logger: cfg.Logger, stats: Stats{CameraID: cfg.CameraID}}
}

// Stats returns a snapshot of this pipeline's counters.
func (p *CameraPipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// ProcessFrame runs one tick of the fixed chain: detect persons, update the
// Primary Tracker, extract appearance embeddings for confirmed tracks,
// resolve each into a global identity, then (rate-limited) run the
// Secondary Tracker over uncertain detections to reattach or seed new local
// tracks (spec.md §4.C/§4.D).
func (p *CameraPipeline) ProcessFrame(ctx context.Context, frame *model.Frame) error {
	start := time.Now()
	now := frame.Timestamp

	// A detector outage is a per-frame degradation, never fatal (spec.md
	// §7): treat it as "no detections this tick" rather than propagating the
	// error up to the Camera Worker, whose consecutive-failure/reconnect
	// counter exists for decode corruption, not a downstream service being
	// unavailable.
	dets, err := p.cfg.Detector.Detect(ctx, frame)
	if err != nil {
		p.logger.Printf("detection skipped for frame %d: %v", frame.FrameIndex, err)
		dets = nil
	}

	confirmed, removed := p.cfg.Primary.Update(dets, now)

	for _, localID := range removed {
		p.cfg.Secondary.Forget(localID)
		p.cfg.Resolver.Unbind(p.cfg.CameraID, localID, now)
	}

	for _, lt := range confirmed {
		var embVec []float32
		var quality float32

		emb, err := p.cfg.Embedder.Extract(ctx, frame, lt.BBox, lt.Confidence)
		if err == nil {
			embVec = emb.Vector
			quality = emb.Quality
			p.cfg.Secondary.Register(lt.LocalID, embVec, now)
		} else {
			p.logger.Printf("embedding extraction skipped for local track %d: %v", lt.LocalID, err)
		}

		p.cfg.Resolver.Resolve(resolver.Observation{
			CameraID:   p.cfg.CameraID,
			LocalID:    lt.LocalID,
			BBox:       lt.BBox,
			Embedding:  embVec,
			Quality:    quality,
			Confidence: lt.Confidence,
			At:         now,
		})
	}

	if p.cfg.Secondary.ShouldRun(now) {
		p.runSecondaryPass(ctx, frame, now)
		p.cfg.Secondary.MarkRun(now)
	}

	elapsed := float32(time.Since(start).Milliseconds())
	p.mu.Lock()
	p.stats.FramesProcessed++
	p.stats.DetectionsTotal += uint64(len(dets))
	p.stats.TracksConfirmed = len(confirmed)
	p.stats.LastProcessedAt = now
	if p.stats.AvgInferenceMs == 0 {
		p.stats.AvgInferenceMs = elapsed
	} else {
		p.stats.AvgInferenceMs = (p.stats.AvgInferenceMs + elapsed) / 2
	}
	p.mu.Unlock()

	return nil
}

// runSecondaryPass re-extracts embeddings for tracks the Primary Tracker
// flagged uncertain (low confidence or recently lost) and tries to reattach
// them via the per-camera appearance gallery, minting a fresh local ID only
// when the Secondary Tracker reports no match (spec.md §4.D).
func (p *CameraPipeline) runSecondaryPass(ctx context.Context, frame *model.Frame, now time.Time) {
	uncertain := p.cfg.Primary.UncertainDetections(p.cfg.SecondaryConfThreshold, p.cfg.SecondaryNInit)
	for _, t := range uncertain {
		emb, err := p.cfg.Embedder.Extract(ctx, frame, t.BBox, t.Confidence)
		if err != nil {
			continue
		}

		res := p.cfg.Secondary.Resolve(emb.Vector, now)
		det := model.Detection{BBox: t.BBox, Confidence: t.Confidence}

		if res.IsNew {
			newID := p.cfg.Primary.NewLocalID()
			p.cfg.Primary.Reattach(newID, det, emb.Vector, now)
			p.cfg.Secondary.Register(newID, emb.Vector, now)
			continue
		}
		p.cfg.Primary.Reattach(res.LocalID, det, emb.Vector, now)
		p.cfg.Secondary.Register(res.LocalID, emb.Vector, now)
	}
}
