package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

func testFrame() *model.Frame {
	return &model.Frame{CameraID: "cam-1", Width: 4, Height: 4, Pixels: make([]byte, 4*4*3)}
}

func TestHTTPDetectorFiltersByConfidenceAndClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detectResponse{Detections: []wireDetection{
			{Confidence: 0.9, BBox: []float32{0, 0, 10, 10}, Class: "person"},
			{Confidence: 0.2, BBox: []float32{0, 0, 10, 10}, Class: "person"},
			{Confidence: 0.95, BBox: []float32{0, 0, 10, 10}, Class: "car"},
		}})
	}))
	defer srv.Close()

	d := NewHTTP(HTTPConfig{Endpoint: srv.URL, MinConf: 0.5})
	dets, err := d.Detect(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
}

func TestHTTPDetectorServiceErrorMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTP(HTTPConfig{Endpoint: srv.URL, MinConf: 0.5})
	_, err := d.Detect(context.Background(), testFrame())
	require.Error(t, err)
	require.False(t, d.IsHealthy())
}

func TestHTTPDetectorSerializesOnSharedGPULock(t *testing.T) {
	lock := &sync.Mutex{}
	var active int
	var maxActive int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		json.NewEncoder(w).Encode(detectResponse{})

		mu.Lock()
		active--
		mu.Unlock()
	}))
	defer srv.Close()

	d1 := NewHTTP(HTTPConfig{Endpoint: srv.URL, MinConf: 0.5, GPULock: lock})
	d2 := NewHTTP(HTTPConfig{Endpoint: srv.URL, MinConf: 0.5, GPULock: lock})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); d1.Detect(context.Background(), testFrame()) }()
		go func() { defer wg.Done(); d2.Detect(context.Background(), testFrame()) }()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive, "GPU-exclusive detectors sharing a lock must never call concurrently")
}
