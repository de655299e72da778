package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

// NATSBridge's publish path requires a live nats-server, which is not part
// of the retrieved pack; subjectFor and the toWire JSON encoding are
// exercised directly instead since together they hold all of the bridge's
// non-network logic.

func TestSubjectForUsesCameraID(t *testing.T) {
	evt := model.Event{CameraID: "cam-7", At: time.Now()}
	require.Equal(t, "sentrymesh.events.cam-7", subjectFor("sentrymesh.events.%s", evt))
}

func TestSubjectForFallsBackToGlobalWhenCameraIDEmpty(t *testing.T) {
	evt := model.Event{Kind: model.EventPersonMoved, From: "cam-1", To: "cam-2", At: time.Now()}
	require.Equal(t, "sentrymesh.events._global", subjectFor("sentrymesh.events.%s", evt))
}

// TestMovedEventMarshalsFromAndTo exercises the rest of publish's non-network
// path for a Moved event (the resolver now actually emits these on a
// cross-camera rebind; see resolver_test.go's
// TestResolveAppearanceMatchAcrossCamerasPublishesMoved) — toWire/json.Marshal
// is what a subscriber on the "_global" subject actually receives.
func TestMovedEventMarshalsFromAndTo(t *testing.T) {
	evt := model.Event{Kind: model.EventPersonMoved, GlobalID: 7, From: "cam-1", To: "cam-2", At: time.Now()}

	data, err := json.Marshal(toWire(evt))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "cam-1", decoded["from"])
	require.Equal(t, "cam-2", decoded["to"])
	require.EqualValues(t, 7, decoded["global_id"])
}
