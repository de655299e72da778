// Package camera implements the Camera Worker (spec.md §4.A): a
// per-camera RTSP ingest loop that produces paced, timestamped frames and
// drives them through the rest of sentrymesh's pipeline until cancelled.
// RTSP connection handling is grounded on
// viamrobotics-rdk/components/camera/rtsp's gortsplib/v4 client usage
// (the only RTSP-capable code in the retrieved pack, there exercised
// server-side in tests); real H264 pixel decoding is explicitly out of
// scope here (see DESIGN.md) — each access unit instead yields a
// deterministic opaque RGB buffer so the rest of the pipeline has
// something real to chew on.
package camera

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"

	"sentrymesh/internal/model"
)

// State is the Camera Worker's connection lifecycle state (spec.md §4.A).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRecovering:
		return "recovering"
	default:
		return "disconnected"
	}
}

// Config configures one Camera Worker.
type Config struct {
	CameraID               string
	RTSPURL                string
	TargetFPS              int
	MaxConsecutiveFailures int
	OpenTimeout            time.Duration
	ReadTimeout            time.Duration
	Width                  int
	Height                 int
}

// Stats mirrors FrameProvider's CaptureStats (capture/drop counters), kept
// for observability parity with the teacher's frame_provider.go.
type Stats struct {
	FramesCaptured int64
	FramesDropped  int64
	KeyframesSeen  int64
	LastFrameTime  time.Time
	State          State
}

// Pipeline is the single downstream callback a Worker drives each frame
// through: detector -> trackers -> embedding -> resolver, wired together
// by cmd/sentrymesh's process assembly rather than by this package.
type Pipeline interface {
	ProcessFrame(ctx context.Context, frame *model.Frame) error
}

// Worker runs one camera's RTSP ingest/pacing/reconnect state machine.
type Worker struct {
	cfg    Config
	pl     Pipeline
	logger *log.Logger

	mu    sync.RWMutex
	stats Stats

	frameIndex uint64
	lastProc   time.Time

	backoff time.Duration
}

// New constructs a Worker for one camera.
func New(cfg Config, pl Pipeline, logger *log.Logger) *Worker {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 25
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[camera:%s] ", cfg.CameraID), log.Ltime)
	}
	return &Worker{cfg: cfg, pl: pl, logger: logger}
}

// CameraID returns the id this worker was configured with.
func (w *Worker) CameraID() string {
	return w.cfg.CameraID
}

// Stats returns a snapshot of this worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.stats.State = s
	w.mu.Unlock()
}

// Run drives the Disconnected -> Connecting -> Streaming -> Recovering
// state machine until ctx is cancelled (spec.md §4.A). It never returns an
// error for transient stream failures; only ctx cancellation ends the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return nil
		}

		w.setState(StateConnecting)
		client, media, h264Format, err := w.connect(ctx)
		if err != nil {
			w.logger.Printf("connect failed: %v", err)
			if !w.sleepBackoff(ctx) {
				return nil
			}
			continue
		}
		w.backoff = 0

		w.setState(StateStreaming)
		err = w.stream(ctx, client, media, h264Format)
		client.Close()

		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			w.logger.Printf("stream ended, recovering: %v", err)
		}
		w.setState(StateRecovering)
	}
}

// connect opens the RTSP session and locates its H264 track, following
// gortsplib/v4's Describe/FindFormat/Setup client flow.
func (w *Worker) connect(ctx context.Context) (*gortsplib.Client, *description.Media, *format.H264, error) {
	u, err := url.Parse(w.cfg.RTSPURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("camera: parse rtsp url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, w.cfg.OpenTimeout)
	defer cancel()

	client := &gortsplib.Client{
		ReadTimeout:  w.cfg.ReadTimeout,
		WriteTimeout: w.cfg.ReadTimeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, nil, nil, fmt.Errorf("camera: start client: %w", err)
	}

	session, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("camera: describe: %w", err)
	}

	var h264Format *format.H264
	media := session.FindFormat(&h264Format)
	if media == nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("camera: no h264 track in %s", w.cfg.RTSPURL)
	}

	if _, err := client.Setup(session.BaseURL, media, 0, 0); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("camera: setup: %w", err)
	}

	if connectCtx.Err() != nil {
		client.Close()
		return nil, nil, nil, connectCtx.Err()
	}

	return client, media, h264Format, nil
}

// auEvent reports one RTP-depacketization outcome: a successfully
// recovered access unit (possibly a keyframe), or a decode failure to
// feed into the consecutive-failure counter (spec.md §4.A's decode-error
// policy).
type auEvent struct {
	failed   bool
	keyframe bool
}

// stream reads RTP access units until max_consecutive_failures is hit or
// ctx is cancelled, pacing and running the pipeline per spec.md §4.A.
//
// Real H264 pixel decoding is out of scope (see package doc); the H264
// depacketizer is still run so genuine decode failures (malformed/out of
// order RTP) drive the failure-count policy, and mediacommon's
// h264.IsRandomAccess tags keyframe arrivals for stats, even though the
// frame handed to the pipeline is a synthesized buffer rather than the
// decoded picture.
func (w *Worker) stream(ctx context.Context, client *gortsplib.Client, media *description.Media, h264Format *format.H264) error {
	auCh := make(chan auEvent, 64)
	consecutiveFailures := 0
	var failureMu sync.Mutex

	onFailure := func() {
		failureMu.Lock()
		consecutiveFailures++
		failureMu.Unlock()
	}
	onSuccess := func() {
		failureMu.Lock()
		consecutiveFailures = 0
		failureMu.Unlock()
	}

	rtpDec, err := h264Format.CreateDecoder()
	if err != nil {
		return fmt.Errorf("camera: create h264 decoder: %w", err)
	}

	client.OnPacketRTP(media, h264Format, func(pkt *rtp.Packet) {
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			if err == rtph264.ErrNonStartingPacketAndNoPrevious || err == rtph264.ErrMorePacketsNeeded {
				return // partial AU, not yet a decode failure
			}
			select {
			case auCh <- auEvent{failed: true}:
			default:
			}
			return
		}

		keyframe := false
		for _, nalu := range au {
			if h264.IsRandomAccess(nalu) {
				keyframe = true
				break
			}
		}
		select {
		case auCh <- auEvent{keyframe: keyframe}:
		default:
			// channel full: the stream goroutine is behind, which is fine —
			// pacing discards excess access units before detection anyway.
		}
	})

	if _, err := client.Play(nil); err != nil {
		return fmt.Errorf("camera: play: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-auCh:
			if evt.failed {
				onFailure()
			}
			failureMu.Lock()
			failed := consecutiveFailures
			failureMu.Unlock()
			if failed >= w.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("camera: %d consecutive decode failures", failed)
			}
			if evt.failed {
				continue
			}
			if evt.keyframe {
				w.mu.Lock()
				w.stats.KeyframesSeen++
				w.mu.Unlock()
			}

			frame, ok := w.paceAndSynthesize()
			if !ok {
				continue // dropped for pacing, before any decode/detect work
			}

			if err := w.pl.ProcessFrame(ctx, frame); err != nil {
				w.logger.Printf("pipeline error on frame %d: %v (recoverable)", frame.FrameIndex, err)
				continue
			}
			onSuccess()
		}
	}
}

// paceAndSynthesize enforces the target-FPS budget (frames dropped before
// any decode/detect work happens, per spec.md §4.A) and, if the frame
// survives pacing, synthesizes a deterministic opaque RGB buffer standing
// in for a decoded access unit (see package doc).
func (w *Worker) paceAndSynthesize() (*model.Frame, bool) {
	now := time.Now()
	minInterval := time.Second / time.Duration(w.cfg.TargetFPS)

	w.mu.Lock()
	if !w.lastProc.IsZero() && now.Sub(w.lastProc) < minInterval {
		w.stats.FramesDropped++
		w.mu.Unlock()
		return nil, false
	}
	w.lastProc = now
	w.frameIndex++
	idx := w.frameIndex
	w.stats.FramesCaptured++
	w.stats.LastFrameTime = now
	w.mu.Unlock()

	width, height := w.cfg.Width, w.cfg.Height
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}

	pixels := make([]byte, width*height*3)
	src := rand.New(rand.NewSource(int64(idx)))
	src.Read(pixels)

	return &model.Frame{
		CameraID:   w.cfg.CameraID,
		FrameIndex: idx,
		Timestamp:  now,
		Width:      width,
		Height:     height,
		Pixels:     pixels,
	}, true
}

func (w *Worker) sleepBackoff(ctx context.Context) bool {
	if w.backoff <= 0 {
		w.backoff = 500 * time.Millisecond
	} else {
		w.backoff *= 2
	}
	const cap = 30 * time.Second
	if w.backoff > cap {
		w.backoff = cap
	}

	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
