package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

func testConfig() Config {
	return Config{
		ActivationThreshold:  0.6,
		MatchingThreshold:    0.3,
		LostTrackBuffer:      3,
		MinConsecutiveFrames: 2,
	}
}

func box(x1, y1, x2, y2 float32) model.BBox {
	return model.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestPrimaryNewTrackStartsTentative(t *testing.T) {
	p := NewPrimary(testConfig())
	now := time.Now()

	confirmed, removed := p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now)
	require.Empty(t, confirmed, "single hit should stay Tentative, not yet Confirmed")
	require.Empty(t, removed)
}

func TestPrimaryConfirmsAfterMinConsecutiveFrames(t *testing.T) {
	p := NewPrimary(testConfig())
	now := time.Now()

	p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now)
	confirmed, _ := p.Update([]model.Detection{{BBox: box(1, 1, 11, 11), Confidence: 0.9}}, now.Add(time.Second))

	require.Len(t, confirmed, 1)
	require.Equal(t, model.StateConfirmed, confirmed[0].State)
}

func TestPrimaryUnmatchedTentativeIsDiscarded(t *testing.T) {
	p := NewPrimary(testConfig())
	now := time.Now()

	p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now)
	// No detections at all on the next tick: the tentative track must vanish,
	// not survive as Lost.
	confirmed, removed := p.Update(nil, now.Add(time.Second))
	require.Empty(t, confirmed)
	require.Len(t, removed, 1)
}

func TestPrimaryConfirmedBecomesLostThenRemoved(t *testing.T) {
	cfg := testConfig()
	p := NewPrimary(cfg)
	now := time.Now()

	p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now)
	confirmed, _ := p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now.Add(time.Second))
	require.Len(t, confirmed, 1)
	id := confirmed[0].LocalID

	// Miss it for cfg.LostTrackBuffer ticks straight; it should survive as
	// Lost for LostTrackBuffer-1 ticks then be removed on the boundary tick.
	var removed []uint32
	for i := 0; i < cfg.LostTrackBuffer; i++ {
		_, r := p.Update(nil, now.Add(time.Duration(i+2)*time.Second))
		removed = r
	}
	require.Contains(t, removed, id)
}

func TestPrimaryTieBreakPrefersSmallerID(t *testing.T) {
	p := NewPrimary(testConfig())
	now := time.Now()

	// Seed two overlapping tracks at the same quality so the cost matrix is
	// genuinely tied before the deterministic epsilon nudge.
	p.Update([]model.Detection{
		{BBox: box(0, 0, 10, 10), Confidence: 0.9},
		{BBox: box(4, 0, 14, 10), Confidence: 0.9},
	}, now)
	confirmedInit, _ := p.Update([]model.Detection{
		{BBox: box(0, 0, 10, 10), Confidence: 0.9},
		{BBox: box(4, 0, 14, 10), Confidence: 0.9},
	}, now.Add(time.Second))
	require.Len(t, confirmedInit, 2)

	// A single ambiguous detection placed exactly between both tracks with
	// equal IoU (2/3) to each: the tie-break must resolve deterministically
	// to the smaller track ID; the other track goes Lost.
	confirmed, _ := p.Update([]model.Detection{
		{BBox: box(2, 0, 12, 10), Confidence: 0.95},
	}, now.Add(2*time.Second))
	require.Len(t, confirmed, 1)
	require.EqualValues(t, 1, confirmed[0].LocalID)
}

func TestPrimaryLowConfidenceOnlyRecoversLostTracks(t *testing.T) {
	cfg := testConfig()
	p := NewPrimary(cfg)
	now := time.Now()

	p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now)
	p.Update([]model.Detection{{BBox: box(0, 0, 10, 10), Confidence: 0.9}}, now.Add(time.Second))
	// Miss once: Confirmed -> Lost.
	p.Update(nil, now.Add(2*time.Second))

	// Recovery-floor-confidence detection at the same geometry should
	// reattach the Lost track rather than spawn a new Tentative one.
	confirmed, _ := p.Update([]model.Detection{
		{BBox: box(0, 0, 10, 10), Confidence: cfg.ActivationThreshold * recoveryFloorRatio},
	}, now.Add(3*time.Second))
	require.Len(t, confirmed, 1)
}

func TestPrimaryReattachPreservesLocalID(t *testing.T) {
	p := NewPrimary(testConfig())
	now := time.Now()

	p.Reattach(42, model.Detection{BBox: box(0, 0, 10, 10), Confidence: 0.8}, []float32{1, 0}, now)
	// Inspect the table directly: an Update with no detection would age the
	// reattached track to Lost, and a matching one would reset its Source.
	tr, ok := p.tracks[42]
	require.True(t, ok)
	require.Equal(t, model.StateConfirmed, tr.State)
	require.EqualValues(t, 42, tr.LocalID)
	require.Equal(t, model.SourceSecondary, tr.Source)
}
