package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"sentrymesh/internal/api"
	"sentrymesh/internal/camera"
	"sentrymesh/internal/config"
	"sentrymesh/internal/detector"
	"sentrymesh/internal/embedding"
	"sentrymesh/internal/metrics"
	"sentrymesh/internal/pipeline"
	"sentrymesh/internal/resolver"
	"sentrymesh/internal/store"
	"sentrymesh/internal/tracker"
)

func main() {
	logger := log.New(os.Stderr, "[sentrymesh] ", log.Ltime)

	cfg := config.Load()

	db, err := store.New(cfg.DatabasePath, 256)
	if err != nil {
		logger.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()
	logger.Printf("store opened at %s", cfg.DatabasePath)

	bus := api.NewEventBus()

	res := resolver.New(resolver.Config{
		FaceSimilarityThreshold: cfg.FaceSimilarityThreshold,
		PersonTimeout:           cfg.PersonTimeout,
		CleanupInterval:         cfg.CleanupInterval,
		DBSyncInterval:          cfg.DBSyncInterval,
		SpatialIoUFloor:         cfg.SpatialIoUFloor,
		CovisibilityWindow:      cfg.CovisibilityWindow,
		EMAAlpha:                cfg.EMAAlpha,
	}, db, bus, log.New(log.Writer(), "[resolver] ", log.Ltime))

	// Create channel used by both the signal handler and the HTTP server
	// goroutine to notify the main goroutine when to stop.
	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if err := res.Start(ctx); err != nil {
		logger.Fatalf("failed to start resolver: %v", err)
	}

	query := api.New(res, bus)

	var gpuLock *sync.Mutex
	if cfg.DetectorGPULock {
		gpuLock = &sync.Mutex{}
	}

	workers := make([]*camera.Worker, 0, len(cfg.Cameras))
	for _, spec := range cfg.Cameras {
		det := detector.NewHTTP(detector.HTTPConfig{
			Endpoint: cfg.DetectorEndpoint,
			MinConf:  cfg.DetectorMinConf,
			GPULock:  gpuLock,
		})
		embedder := embedding.New(embedding.Config{
			Endpoint:  cfg.EmbeddingEndpoint,
			MinCropHW: cfg.MinCropHW,
			Dim:       cfg.EmbeddingDim,
		})
		primary := tracker.NewPrimary(tracker.Config{
			ActivationThreshold:  cfg.TrackActivationThreshold,
			MatchingThreshold:    cfg.MinimumMatchingThreshold,
			LostTrackBuffer:      cfg.LostTrackBuffer,
			MinConsecutiveFrames: cfg.MinimumConsecutiveFrames,
		})
		secondary := tracker.NewSecondary(tracker.SecondaryConfig{
			MaxAge:                 cfg.MaxAge,
			SecondaryConfThreshold: cfg.SecondaryConfThreshold,
			MinInterval:            time.Duration(cfg.NInit) * (time.Second / time.Duration(max(cfg.FrameRate, 1))),
		})

		pl := pipeline.New(pipeline.Config{
			CameraID:               spec.ID,
			Detector:               det,
			Embedder:               embedder,
			Resolver:               res,
			Primary:                primary,
			Secondary:              secondary,
			SecondaryConfThreshold: cfg.SecondaryConfThreshold,
			SecondaryNInit:         cfg.NInit,
			Logger:                 log.New(log.Writer(), "[pipeline:"+spec.ID+"] ", log.Ltime),
		})

		worker := camera.New(camera.Config{
			CameraID:               spec.ID,
			RTSPURL:                spec.RTSPURL,
			TargetFPS:              cfg.TargetFPS,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			OpenTimeout:            cfg.RTSPOpenTimeout,
			ReadTimeout:            cfg.RTSPReadTimeout,
		}, pl, log.New(log.Writer(), "[camera:"+spec.ID+"] ", log.Ltime))

		workers = append(workers, worker)
	}

	cameraSources := make([]metrics.CameraSource, len(workers))
	for i, w := range workers {
		cameraSources[i] = w
	}
	collector := metrics.NewCollector(metrics.Config{Gallery: res, Cameras: cameraSources})

	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.Start(ctx, 2*time.Second)
	}()

	// Run the camera fleet under an errgroup so that any worker's
	// unrecoverable exit (ctx cancellation aside) surfaces promptly, and
	// fleet shutdown is a single Wait rather than N separate joins.
	wg.Add(1)
	go func() {
		defer wg.Done()
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range workers {
			w := w
			g.Go(func() error { return w.Run(gctx) })
		}
		if err := g.Wait(); err != nil {
			logger.Printf("camera fleet stopped: %v", err)
		}
	}()

	var wsHub *api.WSHub
	if cfg.HTTPAddr != "" {
		wsHub = api.NewWSHub(bus, log.New(log.Writer(), "[ws] ", log.Ltime))
	}

	if cfg.NATSEnabled {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Printf("nats connect failed, continuing without bridge: %v", err)
		} else {
			defer nc.Close()
			api.NewNATSBridge(nc, "", 3, bus, log.New(log.Writer(), "[nats] ", log.Ltime))
			logger.Printf("nats bridge connected to %s", cfg.NATSURL)
		}
	}

	if cfg.HTTPAddr != "" {
		handleHTTPServer(ctx, cfg.HTTPAddr, query, wsHub, collector, &wg, errc, logger)
	}

	logger.Printf("sentrymesh running with %d camera(s)", len(workers))
	logger.Printf("exiting (%v)", <-errc)

	cancel()
	res.Stop()
	wg.Wait()
	logger.Println("exited")
}
