package api

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"sentrymesh/internal/model"
)

// NATSBridge publishes every resolver event to a NATS subject, for other
// processes to consume independently of this service's own API. Grounded
// on ts-vms-v1.0/internal/nvr/nats_publisher.go's retry-with-backoff
// publish loop, rewired onto model.Event and per-camera subject routing
// (spec.md §4.H: "sentrymesh.events.<camera_id>").
type NATSBridge struct {
	conn       *nats.Conn
	subjectFmt string
	maxRetries int
	logger     *log.Logger
}

// NewNATSBridge constructs a bridge over conn and subscribes it to bus.
// subjectFmt is an fmt-style pattern with one %s placeholder for the
// camera id (e.g. "sentrymesh.events.%s"); events with no camera id (moved
// events span two cameras) publish under "sentrymesh.events._global".
func NewNATSBridge(conn *nats.Conn, subjectFmt string, maxRetries int, bus *EventBus, logger *log.Logger) *NATSBridge {
	if subjectFmt == "" {
		subjectFmt = "sentrymesh.events.%s"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[nats] ", log.Ltime)
	}
	b := &NATSBridge{conn: conn, subjectFmt: subjectFmt, maxRetries: maxRetries, logger: logger}
	bus.Subscribe(HandlerFunc(b.publish))
	return b
}

// subjectFor computes the NATS subject for evt under subjectFmt, routing
// camera-less events (Moved spans two cameras) to a "_global" subject.
func subjectFor(subjectFmt string, evt model.Event) string {
	camera := evt.CameraID
	if camera == "" {
		camera = "_global"
	}
	return fmt.Sprintf(subjectFmt, camera)
}

func (b *NATSBridge) publish(evt model.Event) {
	data, err := json.Marshal(toWire(evt))
	if err != nil {
		b.logger.Printf("marshal event: %v", err)
		return
	}

	subject := subjectFor(b.subjectFmt, evt)

	var pubErr error
	for i := 0; i <= b.maxRetries; i++ {
		pubErr = b.conn.Publish(subject, data)
		if pubErr == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	b.logger.Printf("publish to %s failed after %d retries: %v", subject, b.maxRetries, pubErr)
}
