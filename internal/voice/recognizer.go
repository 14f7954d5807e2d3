package voice

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/katsacademy/kats-core/internal/protocol"
)

// busRecognizer drives the capture device over the bus. Start and Stop are
// fire-and-forget control messages; transcripts and lifecycle events come
// back on their own subjects and are routed to the session by the service.
type busRecognizer struct {
	sessionID string
	conn      *nats.Conn
	log       *slog.Logger
}

func newBusRecognizer(conn *nats.Conn, sessionID string, log *slog.Logger) *busRecognizer {
	return &busRecognizer{
		sessionID: sessionID,
		conn:      conn,
		log:       log.With(slog.String("component", "recognizer"), slog.String("session_id", sessionID)),
	}
}

func (r *busRecognizer) Start() error {
	return r.publishControl(protocol.SubjectRecognitionStartPrefix)
}

func (r *busRecognizer) Stop() {
	if err := r.publishControl(protocol.SubjectRecognitionStopPrefix); err != nil {
		r.log.Debug("recognition stop publish failed", slogError(err))
	}
}

func (r *busRecognizer) publishControl(prefix string) error {
	payload, err := json.Marshal(protocol.SessionControl{
		SessionID: r.sessionID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.conn.Publish(prefix+"."+r.sessionID, payload)
}
