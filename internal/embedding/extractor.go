// Package embedding implements the Embedding Extractor (spec.md §4.E): an
// HTTP client over an externally supplied appearance-embedding model,
// grounded on marcopennelli-orbo/internal/detection/face_recognizer.go's
// multipart HTTP client pattern.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"sentrymesh/internal/model"
)

// ErrExtractionFailed is returned when a crop is too small or the region is
// invalid (spec.md §4.E).
var ErrExtractionFailed = errors.New("embedding: extraction failed")

// Config configures the Extractor.
type Config struct {
	Endpoint   string
	MinCropHW  int
	Dim        int
	RefArea    float32 // reference crop area for quality scoring (spec.md §4.E)
	HTTPClient *http.Client
}

// Extractor calls an external embedder model over HTTP, following
// FaceRecognizer's endpoint/client/healthy fields exactly.
type Extractor struct {
	cfg     Config
	client  *http.Client
	mu      sync.RWMutex
	healthy bool
}

// New constructs an Extractor. If cfg.HTTPClient is nil a client with a
// conservative timeout is used, matching face_recognizer.go's default.
func New(cfg Config) *Extractor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.RefArea <= 0 {
		// 128x256: a full-body reference crop at the extractor's preferred
		// aspect ratio (SPEC_FULL.md §4.E, resolves spec.md's open question
		// on units/reference area).
		cfg.RefArea = 128 * 256
	}
	return &Extractor{cfg: cfg, client: client, healthy: true}
}

type embedResponse struct {
	Vector      []float32 `json:"vector"`
	QualityHint *float32  `json:"quality_hint,omitempty"`
}

// Extract produces a unit-norm embedding and quality score for bbox within
// frame, or ErrExtractionFailed if the crop is too small (spec.md §4.E).
func (e *Extractor) Extract(ctx context.Context, frame *model.Frame, bbox model.BBox, detConfidence float32) (model.Embedding, error) {
	w := int(bbox.Width())
	h := int(bbox.Height())
	if w < e.cfg.MinCropHW || h < e.cfg.MinCropHW {
		return model.Embedding{}, ErrExtractionFailed
	}

	crop, err := cropJPEG(frame, bbox)
	if err != nil {
		return model.Embedding{}, fmt.Errorf("embedding: crop frame: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "crop.jpg")
	if err != nil {
		return model.Embedding{}, fmt.Errorf("embedding: build request: %w", err)
	}
	if _, err := part.Write(crop); err != nil {
		return model.Embedding{}, fmt.Errorf("embedding: build request: %w", err)
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+"/embed", &buf)
	if err != nil {
		return model.Embedding{}, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		e.setHealthy(false)
		return model.Embedding{}, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.setHealthy(false)
		return model.Embedding{}, fmt.Errorf("embedding: service returned %d", resp.StatusCode)
	}
	e.setHealthy(true)

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Embedding{}, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(out.Vector) == 0 {
		return model.Embedding{}, ErrExtractionFailed
	}

	vec := normalize(out.Vector)
	quality := Quality(detConfidence, bbox.Area(), e.cfg.RefArea)
	if out.QualityHint != nil {
		quality = *out.QualityHint
	}

	return model.Embedding{Vector: vec, Quality: quality}, nil
}

// Quality implements spec.md §4.E's recommended formula:
//
//	quality = 0.5*confidence + 0.5*min(1, crop_area/ref_area)
func Quality(confidence float32, cropArea float32, refArea float32) float32 {
	if refArea <= 0 {
		refArea = 1
	}
	areaTerm := cropArea / refArea
	if areaTerm > 1 {
		areaTerm = 1
	}
	if areaTerm < 0 {
		areaTerm = 0
	}
	return 0.5*confidence + 0.5*areaTerm
}

// IsHealthy reports the embedder service's last observed health, matching
// FaceRecognizer.IsHealthy's mutex-guarded bool.
func (e *Extractor) IsHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

func (e *Extractor) setHealthy(v bool) {
	e.mu.Lock()
	e.healthy = v
	e.mu.Unlock()
}

func normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq <= 0 {
		return v
	}
	norm := float32(1)
	if sumSq != 1 {
		norm = invSqrt(sumSq)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}

func invSqrt(x float32) float32 {
	return float32(1) / sqrt32(x)
}

func sqrt32(x float32) float32 {
	// Newton's method avoids pulling in math.Sqrt's float64 round-trip cost
	// for this hot per-embedding path. It iterates until the estimate stops
	// changing, so squared norms far from 1 converge as well as ones near 1.
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 64; i++ {
		next := z - (z*z-x)/(2*z)
		if next == z {
			break
		}
		z = next
	}
	return z
}

// cropJPEG slices bbox out of frame's RGB buffer and encodes it as JPEG for
// transport, matching the multipart-image-upload shape of
// face_recognizer.go's sendImageRequest.
func cropJPEG(frame *model.Frame, bbox model.BBox) ([]byte, error) {
	x1, y1 := int(bbox.X1), int(bbox.Y1)
	x2, y2 := int(bbox.X2), int(bbox.Y2)
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > frame.Width {
		x2 = frame.Width
	}
	if y2 > frame.Height {
		y2 = frame.Height
	}
	if x2 <= x1 || y2 <= y1 {
		return nil, ErrExtractionFailed
	}

	img := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			srcIdx := (y*frame.Width + x) * 3
			if srcIdx+2 >= len(frame.Pixels) {
				continue
			}
			dstIdx := img.PixOffset(x-x1, y-y1)
			img.Pix[dstIdx] = frame.Pixels[srcIdx]
			img.Pix[dstIdx+1] = frame.Pixels[srcIdx+1]
			img.Pix[dstIdx+2] = frame.Pixels[srcIdx+2]
			img.Pix[dstIdx+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
