package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

func testFrame() *model.Frame {
	w, h := 64, 128
	return &model.Frame{CameraID: "cam-1", Width: w, Height: h, Pixels: make([]byte, w*h*3)}
}

func TestExtractTooSmallCropFails(t *testing.T) {
	e := New(Config{Endpoint: "http://unused", MinCropHW: 32})
	frame := testFrame()
	_, err := e.Extract(context.Background(), frame, model.BBox{X1: 0, Y1: 0, X2: 5, Y2: 5}, 0.9)
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestExtractNormalizesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vector: []float32{3, 4}})
	}))
	defer srv.Close()

	e := New(Config{Endpoint: srv.URL, MinCropHW: 4})
	frame := testFrame()
	emb, err := e.Extract(context.Background(), frame, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 128}, 0.9)
	require.NoError(t, err)
	require.Len(t, emb.Vector, 2)
	require.InDelta(t, 0.6, emb.Vector[0], 1e-3)
	require.InDelta(t, 0.8, emb.Vector[1], 1e-3)
}

func TestQualityFormula(t *testing.T) {
	q := Quality(1.0, 128*256, 128*256)
	require.InDelta(t, 1.0, q, 1e-6)

	q = Quality(0, 0, 128*256)
	require.InDelta(t, 0, q, 1e-6)

	q = Quality(0.5, 64*256, 128*256)
	require.InDelta(t, 0.5*0.5+0.5*0.5, q, 1e-6)
}

func TestExtractServiceErrorMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(Config{Endpoint: srv.URL, MinCropHW: 4})
	frame := testFrame()
	_, err := e.Extract(context.Background(), frame, model.BBox{X1: 0, Y1: 0, X2: 64, Y2: 128}, 0.9)
	require.Error(t, err)
	require.False(t, e.IsHealthy())
}
