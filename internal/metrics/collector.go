// Package metrics exposes ambient Prometheus metrics for sentrymesh:
// camera capture/drop/keyframe counters, gallery size, room occupancy,
// and per-component health gauges. Grounded on
// ts-vms-v1.0/internal/metrics/collector.go's own registry + polling-loop
// convention (rather than the global `promauto` default registry).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentrymesh/internal/camera"
)

// CameraSource reports one camera worker's live counters.
type CameraSource interface {
	CameraID() string
	Stats() camera.Stats
}

// GallerySource reports the resolver's live gallery/occupancy counts.
type GallerySource interface {
	GallerySize() int
	CountInRoom(now time.Time) int
}

// Config holds the collector's dependencies.
type Config struct {
	Gallery GallerySource
	Cameras []CameraSource
}

// Collector polls Config's sources on an interval and exposes them as
// Prometheus gauges.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry

	up               *prometheus.GaugeVec
	personsInGallery prometheus.Gauge
	personsInRoom    prometheus.Gauge
	cameraState      *prometheus.GaugeVec
	framesCaptured   *prometheus.GaugeVec
	framesDropped    *prometheus.GaugeVec
	keyframesSeen    *prometheus.GaugeVec
}

// NewCollector constructs a Collector with its own registry (not the
// global default one, matching the teacher).
func NewCollector(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{cfg: cfg, registry: reg}

	c.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrymesh_component_up",
		Help: "Liveness of sentrymesh components (1=up, 0=down)",
	}, []string{"component"})
	reg.MustRegister(c.up)

	c.personsInGallery = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentrymesh_gallery_persons_total",
		Help: "Total number of global persons held in the resolver gallery",
	})
	reg.MustRegister(c.personsInGallery)

	c.personsInRoom = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentrymesh_persons_in_room",
		Help: "Number of global persons currently considered present",
	})
	reg.MustRegister(c.personsInRoom)

	c.cameraState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrymesh_camera_state",
		Help: "Camera worker lifecycle state (0=disconnected,1=connecting,2=streaming,3=recovering)",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraState)

	c.framesCaptured = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrymesh_camera_frames_captured_total",
		Help: "Total frames captured per camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.framesCaptured)

	c.framesDropped = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrymesh_camera_frames_dropped_total",
		Help: "Total frames dropped by pacing per camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.framesDropped)

	c.keyframesSeen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrymesh_camera_keyframes_total",
		Help: "Total H264 keyframes observed per camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.keyframesSeen)

	return c
}

// Start polls every source on interval until ctx is cancelled.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.cfg.Gallery != nil {
		c.up.WithLabelValues("resolver").Set(1)
		c.personsInGallery.Set(float64(c.cfg.Gallery.GallerySize()))
		c.personsInRoom.Set(float64(c.cfg.Gallery.CountInRoom(time.Now())))
	} else {
		c.up.WithLabelValues("resolver").Set(0)
	}

	for _, cam := range c.cfg.Cameras {
		id := cam.CameraID()
		stats := cam.Stats()
		c.framesCaptured.WithLabelValues(id).Set(float64(stats.FramesCaptured))
		c.framesDropped.WithLabelValues(id).Set(float64(stats.FramesDropped))
		c.keyframesSeen.WithLabelValues(id).Set(float64(stats.KeyframesSeen))
		c.cameraState.WithLabelValues(id).Set(float64(stats.State))
		c.up.WithLabelValues("camera:" + id).Set(1)
	}
}

// Handler exposes the collector's registry over HTTP, for wiring into
// cmd/sentrymesh's server mux.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
