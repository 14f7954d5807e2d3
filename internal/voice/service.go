package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/katsacademy/kats-core/internal/bus"
	"github.com/katsacademy/kats-core/internal/config"
	"github.com/katsacademy/kats-core/internal/memory"
	"github.com/katsacademy/kats-core/internal/protocol"
	"github.com/katsacademy/kats-core/internal/provider"
)

// Service routes bus traffic to per-conversation sessions: session lifecycle
// control, finalized transcripts in, chat messages and speech audio out.
type Service struct {
	cfg    config.VoiceConfig
	bus    *bus.Client
	chat   provider.Completer
	tts    provider.SpeechSynthesizer
	store  *memory.Store
	logger *slog.Logger
	local  *LocalSynth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	meter        metric.Meter
	sessionGauge metric.Int64ObservableGauge
	turnCounter  metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewService(parent context.Context, cfg config.VoiceConfig, busClient *bus.Client, chat provider.Completer, tts provider.SpeechSynthesizer, store *memory.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		chat:     chat,
		tts:      tts,
		store:    store,
		logger:   logger.With(slog.String("component", "voice")),
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/katsacademy/kats-core/voice"),
		sessions: make(map[string]*Session),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if cfg.LocalSynthCommand != "" {
		local, err := NewLocalSynth(cfg.LocalSynthCommand, cfg.SampleRate, cfg.Channels)
		if err != nil {
			s.logger.Warn("local synth unavailable", slogError(err))
		} else {
			s.local = local
		}
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectSessionStart, s.handleSessionStart},
		{protocol.SubjectSessionEnd, s.handleSessionEnd},
		{protocol.SubjectTranscriptFinal, s.handleTranscript},
		{protocol.SubjectRecognitionEnded, s.handleRecognitionEnded},
		{protocol.SubjectRecognitionError, s.handleRecognitionError},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			s.drainSubs()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drainSubs()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.EndCall()
	}

	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	gauge, err := s.meter.Int64ObservableGauge("kats.voice.sessions", metric.WithDescription("Number of live voice sessions"))
	if err != nil {
		return err
	}
	counter, err := s.meter.Int64Counter("kats.voice.turns", metric.WithDescription("Chat turns recorded"))
	if err != nil {
		return err
	}
	s.sessionGauge = gauge
	s.turnCounter = counter
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s.mu.Lock()
		n := int64(len(s.sessions))
		s.mu.Unlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// session returns the Session for an ID, creating it on first use.
func (s *Service) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}

	conn := s.bus.Conn()
	rec := newBusRecognizer(conn, id, s.logger)
	speaker := newBusSpeaker(conn, id, s.tts, s.local, s.logger)
	sess := NewSession(id, s.cfg, rec, speaker, s.chat, s.logger, Hooks{
		OnMessage: func(m Message) { s.recordMessage(id, m) },
		OnReset:   func() { s.announceEnded(id) },
	})
	s.sessions[id] = sess
	return sess
}

func (s *Service) handleSessionStart(msg *nats.Msg) {
	var ctl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.logger.Warn("failed to decode session start", slogError(err))
		return
	}
	id := ctl.SessionID
	if id == "" {
		id = uuid.NewString()
		s.logger.Info("session start without ID, assigned one", slog.String("session_id", id))
	}

	if err := s.store.AppendSession(s.ctx, id); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
	s.session(id).StartCall()
}

func (s *Service) handleSessionEnd(msg *nats.Msg) {
	var ctl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.logger.Warn("failed to decode session end", slogError(err))
		return
	}
	if ctl.SessionID == "" {
		return
	}

	s.mu.Lock()
	sess := s.sessions[ctl.SessionID]
	delete(s.sessions, ctl.SessionID)
	s.mu.Unlock()
	if sess != nil {
		sess.EndCall()
	}
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID == "" || transcript.Partial {
		return
	}
	s.session(transcript.SessionID).HandleTranscript(transcript.Text)
}

func (s *Service) handleRecognitionEnded(msg *nats.Msg) {
	var event protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("failed to decode recognition event", slogError(err))
		return
	}
	if sess := s.lookup(event.SessionID); sess != nil {
		sess.HandleRecognitionEnd()
	}
}

func (s *Service) handleRecognitionError(msg *nats.Msg) {
	var event protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("failed to decode recognition event", slogError(err))
		return
	}
	if sess := s.lookup(event.SessionID); sess != nil {
		sess.HandleRecognitionError(event.Code)
	}
}

func (s *Service) lookup(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// recordMessage publishes a transcript entry for observers and persists it.
func (s *Service) recordMessage(sessionID string, m Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		payload, err := json.Marshal(protocol.ChatMessage{
			SessionID: sessionID,
			Text:      m.Text,
			IsUser:    m.IsUser,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("failed to encode chat message", slogError(err))
			return
		}
		if err := s.bus.Conn().Publish(protocol.SubjectChatMessage, payload); err != nil {
			s.logger.Warn("failed to publish chat message", slogError(err))
		}

		role := "user"
		if !m.IsUser {
			role = "assistant"
		}
		if s.turnCounter != nil {
			s.turnCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", role)))
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.store.AppendTurn(ctx, sessionID, role, m.Text); err != nil {
			s.logger.Warn("failed to persist chat turn", slogError(err))
		}
	}()
}

func (s *Service) announceEnded(sessionID string) {
	payload, err := json.Marshal(protocol.SessionControl{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionEnded, payload); err != nil {
		s.logger.Warn("failed to publish session ended", slogError(err))
	}
}
