package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/katsacademy/kats-core/internal/protocol"
	"github.com/katsacademy/kats-core/internal/provider"
)

// busSpeaker synthesizes a reply and ships the audio to the playback device
// over the bus, then waits for the device to report completion. The hosted
// provider is the primary voice; a local exec synthesizer covers outages
// when one is configured.
type busSpeaker struct {
	sessionID string
	conn      *nats.Conn
	remote    provider.SpeechSynthesizer
	local     *LocalSynth
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    int
}

func newBusSpeaker(conn *nats.Conn, sessionID string, remote provider.SpeechSynthesizer, local *LocalSynth, log *slog.Logger) *busSpeaker {
	return &busSpeaker{
		sessionID: sessionID,
		conn:      conn,
		remote:    remote,
		local:     local,
		log:       log.With(slog.String("component", "speaker"), slog.String("session_id", sessionID)),
	}
}

func (sp *busSpeaker) Speak(ctx context.Context, text string, speed float64) error {
	sp.mu.Lock()
	if sp.cancel != nil {
		// A new utterance supersedes whatever is still playing.
		sp.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	sp.cancel = cancel
	sp.seq++
	seq := sp.seq
	sp.mu.Unlock()
	defer cancel()

	result, err := sp.synthesize(ctx, text, speed)
	if err != nil {
		return err
	}

	// Subscribe before publishing so the completion report cannot slip past.
	sub, err := sp.conn.SubscribeSync(protocol.SubjectSpeechDone + "." + sp.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe playback status: %w", err)
	}
	defer sub.Unsubscribe()

	payload, err := json.Marshal(protocol.SpeechAudio{
		SessionID:   sp.sessionID,
		ContentType: result.ContentType,
		Audio:       result.Audio,
		Sequence:    seq,
		Final:       true,
	})
	if err != nil {
		return err
	}
	if err := sp.conn.Publish(protocol.SubjectSpeechAudio, payload); err != nil {
		return fmt.Errorf("publish speech audio: %w", err)
	}

	return sp.waitForPlayback(ctx, sub, text)
}

// Stop interrupts the current utterance and tells the playback device to
// halt its audio.
func (sp *busSpeaker) Stop() {
	sp.mu.Lock()
	if sp.cancel != nil {
		sp.cancel()
		sp.cancel = nil
	}
	sp.mu.Unlock()

	payload, err := json.Marshal(protocol.SessionControl{
		SessionID: sp.sessionID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := sp.conn.Publish(protocol.SubjectSpeechStopPrefix+"."+sp.sessionID, payload); err != nil {
		sp.log.Debug("playback stop publish failed", slogError(err))
	}
}

func (sp *busSpeaker) synthesize(ctx context.Context, text string, speed float64) (*provider.SpeechResult, error) {
	result, err := sp.remote.Synthesize(ctx, text, speed)
	if err == nil {
		return result, nil
	}
	if sp.local == nil {
		return nil, err
	}
	sp.log.Warn("hosted speech synthesis failed, using local voice", slogError(err))
	result, localErr := sp.local.Synthesize(ctx, text, speed)
	if localErr != nil {
		return nil, errors.Join(err, localErr)
	}
	return result, nil
}

// waitForPlayback blocks until the playback device reports completion for
// this session, the context is cancelled, or a generous deadline based on the
// utterance length passes. A missing report is treated as finished rather
// than wedging the conversation.
func (sp *busSpeaker) waitForPlayback(ctx context.Context, sub *nats.Subscription, text string) error {
	deadline := time.Now().Add(playbackTimeout(text))
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := sub.NextMsg(100 * time.Millisecond)
		if err == nil {
			var status protocol.SpeechStatus
			if decodeErr := json.Unmarshal(msg.Data, &status); decodeErr != nil {
				sp.log.Debug("bad playback status payload", slogError(decodeErr))
				continue
			}
			if status.Completed {
				return nil
			}
			continue
		}
		if !errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("await playback status: %w", err)
		}
		if time.Now().After(deadline) {
			sp.log.Debug("no playback report before deadline, assuming done")
			return nil
		}
	}
}

func playbackTimeout(text string) time.Duration {
	return 3*time.Second + time.Duration(len(text))*80*time.Millisecond
}
