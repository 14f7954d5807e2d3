package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/katsacademy/kats-core/internal/config"
	"github.com/katsacademy/kats-core/internal/provider"
)

// State is the turn-taking state of a chat companion session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSpeaking
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Message is one transcript entry of a session.
type Message struct {
	Text   string `json:"text"`
	IsUser bool   `json:"is_user"`
}

// ErrorReply is appended when the chat backend fails.
const ErrorReply = "Sorry, something went wrong. Please try again."

// MisheardReply is surfaced once when recognition fails for an unknown reason.
const MisheardReply = "Sorry, I had trouble understanding you. Please try again."

// Recognizer controls a continuous speech recognition stream for one session.
// Implementations must not call back into the session synchronously from
// Start or Stop.
type Recognizer interface {
	Start() error
	Stop()
}

// Speaker plays synthesized speech for one session. Speak blocks until
// playback completes (or is stopped); starting a new playback supersedes any
// audio currently playing.
type Speaker interface {
	Speak(ctx context.Context, text string, speed float64) error
	Stop()
}

// Hooks lets the owning service observe session activity. Both callbacks are
// invoked without the session lock held.
type Hooks struct {
	OnMessage func(Message)
	OnReset   func()
}

// Session is the voice chat loop for a single conversation: a state machine
// coordinating continuous recognition, one-at-a-time speech playback,
// self-echo filtering and farewell-triggered teardown.
//
// Recognition and playback are mutually exclusive: the single state field
// cannot be Listening and Speaking at once, and recognition is always stopped
// before playback starts.
type Session struct {
	id      string
	cfg     config.VoiceConfig
	rec     Recognizer
	speaker Speaker
	chat    provider.Completer
	log     *slog.Logger
	hooks   Hooks

	mu              sync.Mutex
	state           State
	ending          bool
	lastReply       string
	messages        []Message
	gen             uint64
	restartAttempts int
	timers          map[*time.Timer]struct{}

	// afterFunc is swapped out in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

func NewSession(id string, cfg config.VoiceConfig, rec Recognizer, speaker Speaker, chat provider.Completer, log *slog.Logger, hooks Hooks) *Session {
	return &Session{
		id:        id,
		cfg:       cfg,
		rec:       rec,
		speaker:   speaker,
		chat:      chat,
		log:       log.With(slog.String("component", "voice-session"), slog.String("session_id", id)),
		hooks:     hooks,
		state:     StateIdle,
		timers:    make(map[*time.Timer]struct{}),
		afterFunc: time.AfterFunc,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// Messages returns a copy of the session transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// StartCall begins listening. A start failure leaves the session idle; the
// child just taps the button again.
func (s *Session) StartCall() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	if err := s.rec.Start(); err != nil {
		s.log.Warn("could not start speech recognition", slogError(err))
		s.mu.Unlock()
		return
	}
	s.state = StateListening
	s.mu.Unlock()
}

// EndCall tears the session down immediately: history cleared, recognition
// and playback stopped, all flags reset. The generation bump makes any
// callback still in flight a no-op.
func (s *Session) EndCall() {
	s.reset()
}

// HandleTranscript processes one finalized recognizer transcript.
func (s *Session) HandleTranscript(text string) {
	t := strings.TrimSpace(text)

	s.mu.Lock()
	if s.state != StateListening || s.ending {
		s.mu.Unlock()
		return
	}
	if len(t) <= s.cfg.MinTranscriptChars {
		s.log.Debug("transcript too short, discarded", slog.String("text", t))
		s.mu.Unlock()
		return
	}
	if sim := Similarity(t, s.lastReply); sim >= s.cfg.EchoThreshold {
		s.log.Debug("transcript discarded as self-echo",
			slog.String("text", t), slog.Float64("similarity", sim))
		s.mu.Unlock()
		return
	}

	userMsg := Message{Text: t, IsUser: true}
	s.messages = append(s.messages, userMsg)
	gen := s.gen

	if IsFarewell(t) {
		// One-way latch: a second farewell can never reschedule teardown.
		s.ending = true
		s.state = StateEnding
		s.scheduleLocked(time.Duration(s.cfg.FarewellDelayMS)*time.Millisecond, s.teardown)
		s.mu.Unlock()

		s.emit(userMsg)
		s.rec.Stop()
		go s.speakReply(gen, FarewellReply)
		return
	}

	s.state = StateSpeaking
	s.mu.Unlock()

	s.emit(userMsg)
	// Recognition must be off before any reply audio plays, or the
	// microphone captures the companion's own voice.
	s.rec.Stop()
	go s.runTurn(gen, t)
}

// HandleRecognitionEnd reacts to the recognition stream terminating on its
// own (platform-imposed timeouts). While the session still intends to listen,
// restart after a short delay; one more try after a longer backoff; then stop
// quietly.
func (s *Session) HandleRecognitionEnd() {
	s.mu.Lock()
	if s.state != StateListening || s.ending {
		s.mu.Unlock()
		return
	}
	s.restartAttempts = 0
	s.scheduleLocked(time.Duration(s.cfg.RestartDelayMS)*time.Millisecond, s.restartRecognition)
	s.mu.Unlock()
}

// HandleRecognitionError maps recognizer error codes onto the loop. Transient
// codes are absorbed; network failures stop listening without a message; any
// other code stops listening and surfaces a single inline message.
func (s *Session) HandleRecognitionError(code string) {
	switch code {
	case "no-speech", "aborted":
		return
	case "network":
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			return
		}
		s.state = StateIdle
		s.mu.Unlock()
		s.rec.Stop()
	default:
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			return
		}
		s.state = StateIdle
		msg := Message{Text: MisheardReply, IsUser: false}
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
		s.emit(msg)
		s.rec.Stop()
	}
}

func (s *Session) runTurn(gen uint64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := s.chat.Complete(ctx, text)
	if err != nil {
		s.log.Warn("chat completion failed", slogError(err))
		reply = ErrorReply
	}
	s.speakReply(gen, reply)
}

// speakReply plays one assistant reply and, unless the session is ending,
// resumes listening after the guard delay. The reply text is recorded as the
// last utterance before playback so trailing echo is filtered.
func (s *Session) speakReply(gen uint64, reply string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastReply = reply
	s.mu.Unlock()

	s.speaker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := s.speaker.Speak(ctx, reply, s.cfg.SpeechSpeed); err != nil {
		s.log.Warn("speech playback unavailable, continuing without audio", slogError(err))
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	msg := Message{Text: reply, IsUser: false}
	s.messages = append(s.messages, msg)
	if !s.ending {
		s.scheduleLocked(time.Duration(s.cfg.GuardDelayMS)*time.Millisecond, s.resumeListening)
	}
	s.mu.Unlock()
	s.emit(msg)
}

func (s *Session) resumeListening() {
	s.mu.Lock()
	if s.ending || s.state != StateSpeaking {
		s.mu.Unlock()
		return
	}
	if err := s.rec.Start(); err != nil {
		s.log.Warn("could not resume speech recognition", slogError(err))
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.state = StateListening
	s.mu.Unlock()
}

func (s *Session) restartRecognition() {
	s.mu.Lock()
	if s.state != StateListening || s.ending {
		s.mu.Unlock()
		return
	}
	err := s.rec.Start()
	if err == nil {
		s.mu.Unlock()
		return
	}
	if s.restartAttempts == 0 {
		s.restartAttempts++
		s.log.Warn("recognition restart failed, backing off", slogError(err))
		s.scheduleLocked(time.Duration(s.cfg.RestartBackoffMS)*time.Millisecond, s.restartRecognition)
		s.mu.Unlock()
		return
	}
	// Degrade silently to not-listening rather than looping forever.
	s.log.Warn("recognition restart failed again, giving up", slogError(err))
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Session) teardown() {
	s.reset()
}

func (s *Session) reset() {
	s.mu.Lock()
	s.gen++
	s.cancelTimersLocked()
	s.messages = nil
	s.lastReply = ""
	s.ending = false
	s.restartAttempts = 0
	s.state = StateIdle
	s.mu.Unlock()

	s.rec.Stop()
	s.speaker.Stop()
	if s.hooks.OnReset != nil {
		s.hooks.OnReset()
	}
}

// scheduleLocked registers a cancellable timer whose callback is dropped if
// the session was torn down in the meantime. Callers hold the lock.
func (s *Session) scheduleLocked(d time.Duration, fn func()) {
	gen := s.gen
	var t *time.Timer
	t = s.afterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[t] = struct{}{}
}

func (s *Session) cancelTimersLocked() {
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}

func (s *Session) emit(m Message) {
	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(m)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
