// Package detector implements the Detector Adapter (spec.md §4.B): a
// stateless wrapper around an externally supplied person-detection model,
// grounded on marcopennelli-orbo/internal/pipeline/detectors/yolo_adapter.go
// and internal/detection/gpu_detector.go's multipart-HTTP pattern.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"sentrymesh/internal/model"
)

// Detector is the uniform contract the rest of sentrymesh depends on.
// HTTPDetector is its only implementation; there is no gRPC backend.
type Detector interface {
	Detect(ctx context.Context, frame *model.Frame) ([]model.Detection, error)
	IsHealthy() bool
}

var _ Detector = (*HTTPDetector)(nil)

// HTTPDetector calls an external person-detector microservice over HTTP,
// following gpu_detector.go's endpoint/client/health-cache shape.
type HTTPDetector struct {
	endpoint  string
	client    *http.Client
	minConf   float32
	gpuLock   *sync.Mutex // optional, shared across all HTTPDetectors pinned to the same GPU (spec.md §5)

	mu          sync.Mutex
	healthy     bool
	lastChecked time.Time
}

// HTTPConfig configures an HTTPDetector.
type HTTPConfig struct {
	Endpoint   string
	MinConf    float32
	GPULock    *sync.Mutex // nil if the backing model has no exclusivity requirement
	HTTPClient *http.Client
}

// NewHTTP constructs an HTTPDetector.
func NewHTTP(cfg HTTPConfig) *HTTPDetector {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDetector{
		endpoint: cfg.Endpoint,
		client:   client,
		minConf:  cfg.MinConf,
		gpuLock:  cfg.GPULock,
		healthy:  true,
	}
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

type wireDetection struct {
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
	Class      string    `json:"class"`
}

// Detect sends frame's pixels to the detector microservice and returns
// person detections at or above the configured confidence floor. If the
// backing model requires GPU exclusivity (cfg.GPULock set), Detect
// serializes on that lock for the duration of the call (spec.md §5).
func (d *HTTPDetector) Detect(ctx context.Context, frame *model.Frame) ([]model.Detection, error) {
	if d.gpuLock != nil {
		d.gpuLock.Lock()
		defer d.gpuLock.Unlock()
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "frame.raw")
	if err != nil {
		return nil, fmt.Errorf("detector: build request: %w", err)
	}
	if _, err := fw.Write(frame.Pixels); err != nil {
		return nil, fmt.Errorf("detector: build request: %w", err)
	}
	mw.WriteField("width", fmt.Sprintf("%d", frame.Width))
	mw.WriteField("height", fmt.Sprintf("%d", frame.Height))
	mw.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.minConf))
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &buf)
	if err != nil {
		return nil, fmt.Errorf("detector: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.setHealthy(false)
		return nil, fmt.Errorf("detector: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.setHealthy(false)
		return nil, fmt.Errorf("detector: service returned %d", resp.StatusCode)
	}
	d.setHealthy(true)

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detector: decode response: %w", err)
	}

	dets := make([]model.Detection, 0, len(out.Detections))
	for _, wd := range out.Detections {
		if wd.Class != "" && wd.Class != "person" {
			continue
		}
		if wd.Confidence < d.minConf {
			continue
		}
		if len(wd.BBox) != 4 {
			continue
		}
		dets = append(dets, model.Detection{
			BBox: model.BBox{
				X1: wd.BBox[0], Y1: wd.BBox[1],
				X2: wd.BBox[2], Y2: wd.BBox[3],
			},
			Confidence: wd.Confidence,
		})
	}
	return dets, nil
}

// IsHealthy reports the detector's health as last observed by Detect. It
// does not probe the service itself; the value changes only when Detect runs.
func (d *HTTPDetector) IsHealthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastChecked) < 30*time.Second {
		return d.healthy
	}
	return d.healthy
}

func (d *HTTPDetector) setHealthy(v bool) {
	d.mu.Lock()
	d.healthy = v
	d.lastChecked = time.Now()
	d.mu.Unlock()
}
