package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/camera"
)

type fakeGallery struct {
	size int
	room int
}

func (g fakeGallery) GallerySize() int              { return g.size }
func (g fakeGallery) CountInRoom(now time.Time) int { return g.room }

type fakeCamera struct {
	id    string
	stats camera.Stats
}

func (c fakeCamera) CameraID() string    { return c.id }
func (c fakeCamera) Stats() camera.Stats { return c.stats }

func TestCollectPopulatesGaugesFromSources(t *testing.T) {
	c := NewCollector(Config{
		Gallery: fakeGallery{size: 5, room: 3},
		Cameras: []CameraSource{
			fakeCamera{id: "cam-1", stats: camera.Stats{FramesCaptured: 100, FramesDropped: 10, KeyframesSeen: 4, State: camera.StateStreaming}},
		},
	})
	c.collect()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := new(strings.Builder)
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	out := body.String()

	require.Contains(t, out, `sentrymesh_gallery_persons_total 5`)
	require.Contains(t, out, `sentrymesh_persons_in_room 3`)
	require.Contains(t, out, `sentrymesh_camera_frames_captured_total{camera_id="cam-1"} 100`)
	require.Contains(t, out, `sentrymesh_camera_state{camera_id="cam-1"} 2`)
}

func TestCollectorStartStopsOnContextCancel(t *testing.T) {
	c := NewCollector(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
