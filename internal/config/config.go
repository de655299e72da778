// Package config loads sentrymesh's flat configuration record from the
// environment. Configuration is read once at process start; no dynamic
// reconfiguration is required at runtime (spec.md §9).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CameraSpec names one configured camera's RTSP source.
type CameraSpec struct {
	ID      string
	RTSPURL string
}

// Config is the complete set of enumerated options from spec.md §6.
type Config struct {
	// Detector
	DetectorMinConf float32

	// Primary tracker
	TrackActivationThreshold  float32
	MinimumMatchingThreshold  float32
	LostTrackBuffer           int
	MinimumConsecutiveFrames  int
	FrameRate                 int

	// Secondary tracker
	MaxAge                 time.Duration
	NInit                  int
	SecondaryConfThreshold float32

	// Embedding
	EmbeddingDim int
	MinCropHW    int

	// Resolver
	FaceSimilarityThreshold float32
	PersonTimeout           time.Duration
	CleanupInterval         time.Duration
	DBSyncInterval          time.Duration
	SpatialIoUFloor         float32
	CovisibilityWindow      time.Duration
	EMAAlpha                float32

	// Camera
	TargetFPS              int
	MaxConsecutiveFailures int
	RTSPOpenTimeout        time.Duration
	RTSPReadTimeout        time.Duration
	Cameras                []CameraSpec

	// Detector / Embedding backends (externally hosted models, spec.md §4.B/§4.E)
	DetectorEndpoint  string
	DetectorGPULock   bool
	EmbeddingEndpoint string

	// Ambient
	DatabasePath string
	HTTPAddr     string
	NATSURL      string
	NATSEnabled  bool
}

// Default returns the configuration with the spec's recommended design
// floors and the teacher's env-var-fallback convention applied on top
// (cmd/orbo/main.go: os.Getenv with a literal default when unset).
func Default() Config {
	return Config{
		DetectorMinConf: 0.5,

		TrackActivationThreshold: 0.6,
		MinimumMatchingThreshold: 0.3,
		LostTrackBuffer:          30,
		MinimumConsecutiveFrames: 3,
		FrameRate:                25,

		MaxAge:                 30 * time.Second,
		NInit:                  3,
		SecondaryConfThreshold: 0.4,

		EmbeddingDim: 256,
		MinCropHW:    32,

		FaceSimilarityThreshold: 0.5,
		PersonTimeout:           30 * time.Second,
		CleanupInterval:         60 * time.Second,
		DBSyncInterval:          5 * time.Second,
		SpatialIoUFloor:         0.3,
		CovisibilityWindow:      2 * time.Second,
		EMAAlpha:                0.9,

		TargetFPS:              25,
		MaxConsecutiveFailures: 10,
		RTSPOpenTimeout:        5 * time.Second,
		RTSPReadTimeout:        2 * time.Second,
		Cameras: []CameraSpec{
			{ID: "cam-1", RTSPURL: "rtsp://127.0.0.1:8554/cam-1"},
		},

		DetectorEndpoint:  "http://127.0.0.1:9001",
		DetectorGPULock:   false,
		EmbeddingEndpoint: "http://127.0.0.1:9002",

		DatabasePath: "./sentrymesh.db",
		HTTPAddr:     ":8090",
		NATSURL:      "nats://127.0.0.1:4222",
		NATSEnabled:  false,
	}
}

// Load returns Default() with every field overridable by an environment
// variable, mirroring cmd/orbo/main.go's os.Getenv/fallback pattern.
func Load() Config {
	c := Default()

	c.DetectorMinConf = envFloat("SENTRYMESH_DETECTOR_MIN_CONF", c.DetectorMinConf)

	c.TrackActivationThreshold = envFloat("SENTRYMESH_TRACK_ACTIVATION_THRESHOLD", c.TrackActivationThreshold)
	c.MinimumMatchingThreshold = envFloat("SENTRYMESH_MINIMUM_MATCHING_THRESHOLD", c.MinimumMatchingThreshold)
	c.LostTrackBuffer = envInt("SENTRYMESH_LOST_TRACK_BUFFER", c.LostTrackBuffer)
	c.MinimumConsecutiveFrames = envInt("SENTRYMESH_MINIMUM_CONSECUTIVE_FRAMES", c.MinimumConsecutiveFrames)
	c.FrameRate = envInt("SENTRYMESH_FRAME_RATE", c.FrameRate)

	c.MaxAge = envDuration("SENTRYMESH_MAX_AGE", c.MaxAge)
	c.NInit = envInt("SENTRYMESH_N_INIT", c.NInit)
	c.SecondaryConfThreshold = envFloat("SENTRYMESH_SECONDARY_CONF_THRESHOLD", c.SecondaryConfThreshold)

	c.EmbeddingDim = envInt("SENTRYMESH_EMBEDDING_DIM", c.EmbeddingDim)
	c.MinCropHW = envInt("SENTRYMESH_MIN_CROP_HW", c.MinCropHW)

	c.FaceSimilarityThreshold = envFloat("SENTRYMESH_FACE_SIMILARITY_THRESHOLD", c.FaceSimilarityThreshold)
	c.PersonTimeout = envDuration("SENTRYMESH_PERSON_TIMEOUT", c.PersonTimeout)
	c.CleanupInterval = envDuration("SENTRYMESH_CLEANUP_INTERVAL", c.CleanupInterval)
	c.DBSyncInterval = envDuration("SENTRYMESH_DB_SYNC_INTERVAL", c.DBSyncInterval)
	c.SpatialIoUFloor = envFloat("SENTRYMESH_SPATIAL_IOU_FLOOR", c.SpatialIoUFloor)
	c.CovisibilityWindow = envDuration("SENTRYMESH_COVISIBILITY_WINDOW", c.CovisibilityWindow)
	c.EMAAlpha = envFloat("SENTRYMESH_EMA_ALPHA", c.EMAAlpha)

	c.TargetFPS = envInt("SENTRYMESH_TARGET_FPS", c.TargetFPS)
	c.MaxConsecutiveFailures = envInt("SENTRYMESH_MAX_CONSECUTIVE_FAILURES", c.MaxConsecutiveFailures)
	c.RTSPOpenTimeout = envDuration("SENTRYMESH_RTSP_OPEN_TIMEOUT", c.RTSPOpenTimeout)
	c.RTSPReadTimeout = envDuration("SENTRYMESH_RTSP_READ_TIMEOUT", c.RTSPReadTimeout)
	c.Cameras = envCameras("SENTRYMESH_CAMERAS", c.Cameras)

	c.DetectorEndpoint = envString("SENTRYMESH_DETECTOR_ENDPOINT", c.DetectorEndpoint)
	c.DetectorGPULock = os.Getenv("SENTRYMESH_DETECTOR_GPU_LOCK") == "true"
	c.EmbeddingEndpoint = envString("SENTRYMESH_EMBEDDING_ENDPOINT", c.EmbeddingEndpoint)

	c.DatabasePath = envString("SENTRYMESH_DATABASE_PATH", c.DatabasePath)
	c.HTTPAddr = envString("SENTRYMESH_HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = envString("SENTRYMESH_NATS_URL", c.NATSURL)
	c.NATSEnabled = os.Getenv("SENTRYMESH_NATS_ENABLED") == "true"

	return c
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envCameras parses a "id=rtsp_url,id=rtsp_url" list, matching the
// teacher's comma-separated-env-list convention used elsewhere for
// multi-valued settings.
func envCameras(key string, fallback []CameraSpec) []CameraSpec {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var specs []CameraSpec
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idURL := strings.SplitN(entry, "=", 2)
		if len(idURL) != 2 {
			continue
		}
		specs = append(specs, CameraSpec{ID: idURL[0], RTSPURL: idURL[1]})
	}
	if len(specs) == 0 {
		return fallback
	}
	return specs
}
