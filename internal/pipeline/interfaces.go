package pipeline

import (
	"context"
	"time"

	"sentrymesh/internal/model"
	"sentrymesh/internal/resolver"
)

// Detector is the narrow contract CameraPipeline drives per frame.
// Satisfied by *detector.HTTPDetector.
type Detector interface {
	Detect(ctx context.Context, frame *model.Frame) ([]model.Detection, error)
}

// Embedder is the narrow contract CameraPipeline drives per confirmed
// track. Satisfied by *embedding.Extractor.
type Embedder interface {
	Extract(ctx context.Context, frame *model.Frame, bbox model.BBox, detConfidence float32) (model.Embedding, error)
}

// PersonResolver is the narrow contract CameraPipeline drives to unify
// local tracks into global identities. Satisfied by *resolver.Resolver.
type PersonResolver interface {
	Resolve(obs resolver.Observation) uint64
	Unbind(cameraID string, localID uint32, at time.Time)
}
