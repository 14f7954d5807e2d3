package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/katsacademy/kats-core/internal/config"
)

type fakeRecognizer struct {
	mu        sync.Mutex
	starts    int
	stops     int
	startErrs []error
}

func (r *fakeRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecognizer) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
}

func (sp *fakeSpeaker) Speak(ctx context.Context, text string, speed float64) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.spoken = append(sp.spoken, text)
	return nil
}

func (sp *fakeSpeaker) Stop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.stops++
}

func (sp *fakeSpeaker) utterances() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]string, len(sp.spoken))
	copy(out, sp.spoken)
	return out
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (c *fakeCompleter) Complete(ctx context.Context, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, c.err
}

func (c *fakeCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// timerQueue captures scheduled callbacks so tests control when delays fire.
type timerQueue struct {
	mu      sync.Mutex
	pending []queuedTimer
}

type queuedTimer struct {
	d  time.Duration
	fn func()
}

func (q *timerQueue) afterFunc(d time.Duration, fn func()) *time.Timer {
	q.mu.Lock()
	q.pending = append(q.pending, queuedTimer{d: d, fn: fn})
	q.mu.Unlock()
	return time.AfterFunc(24*time.Hour, func() {})
}

func (q *timerQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// fire pops the oldest pending callback and runs it, returning its delay.
func (q *timerQueue) fire(t *testing.T) time.Duration {
	t.Helper()
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		t.Fatal("no pending timer to fire")
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	next.fn()
	return next.d
}

func newTestSession(t *testing.T) (*Session, *fakeRecognizer, *fakeSpeaker, *fakeCompleter, *timerQueue) {
	t.Helper()
	rec := &fakeRecognizer{}
	speaker := &fakeSpeaker{}
	chat := &fakeCompleter{reply: "Sheep love to eat grass!"}
	queue := &timerQueue{}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	sess := NewSession("test-session", config.Default().Voice, rec, speaker, chat, log, Hooks{})
	sess.afterFunc = queue.afterFunc
	return sess, rec, speaker, chat, queue
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartCallBeginsListening(t *testing.T) {
	sess, rec, _, _, _ := newTestSession(t)

	sess.StartCall()
	if sess.State() != StateListening {
		t.Fatalf("expected listening, got %v", sess.State())
	}
	if rec.startCount() != 1 {
		t.Fatalf("expected one recognizer start, got %d", rec.startCount())
	}

	// A second tap while already live is a no-op.
	sess.StartCall()
	if rec.startCount() != 1 {
		t.Fatalf("expected no extra start, got %d", rec.startCount())
	}
}

func TestStartCallFailureStaysIdle(t *testing.T) {
	sess, rec, _, _, _ := newTestSession(t)
	rec.startErrs = []error{errors.New("mic busy")}

	sess.StartCall()
	if sess.State() != StateIdle {
		t.Fatalf("expected idle after start failure, got %v", sess.State())
	}
	if len(sess.Messages()) != 0 {
		t.Fatalf("expected no messages, got %d", len(sess.Messages()))
	}
}

func TestConversationTurn(t *testing.T) {
	sess, rec, speaker, chat, queue := newTestSession(t)
	sess.StartCall()

	sess.HandleTranscript("what do sheep eat")
	if sess.State() != StateSpeaking {
		t.Fatalf("expected speaking, got %v", sess.State())
	}
	if rec.stopCount() == 0 {
		t.Fatal("recognition must stop before the reply plays")
	}

	waitFor(t, "reply playback", func() bool { return len(speaker.utterances()) == 1 })
	if speaker.utterances()[0] != chat.reply {
		t.Fatalf("unexpected utterance %q", speaker.utterances()[0])
	}

	waitFor(t, "reply recorded", func() bool { return len(sess.Messages()) == 2 })
	msgs := sess.Messages()
	if !msgs[0].IsUser || msgs[0].Text != "what do sheep eat" {
		t.Fatalf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].IsUser || msgs[1].Text != chat.reply {
		t.Fatalf("unexpected reply message %+v", msgs[1])
	}

	// The guard delay separates playback from the next listening window.
	waitFor(t, "guard timer", func() bool { return queue.count() == 1 })
	if d := queue.fire(t); d != 1200*time.Millisecond {
		t.Fatalf("expected 1200ms guard delay, got %v", d)
	}
	if sess.State() != StateListening {
		t.Fatalf("expected listening after guard delay, got %v", sess.State())
	}
	if rec.startCount() != 2 {
		t.Fatalf("expected recognition restarted, got %d starts", rec.startCount())
	}
}

func TestShortTranscriptDiscarded(t *testing.T) {
	sess, _, _, chat, _ := newTestSession(t)
	sess.StartCall()

	sess.HandleTranscript("hi")
	sess.HandleTranscript("  a  ")
	if sess.State() != StateListening {
		t.Fatalf("expected still listening, got %v", sess.State())
	}
	if len(sess.Messages()) != 0 {
		t.Fatalf("expected no messages, got %d", len(sess.Messages()))
	}
	if chat.callCount() != 0 {
		t.Fatalf("expected no chat calls, got %d", chat.callCount())
	}
}

func TestEchoOfOwnReplyDiscarded(t *testing.T) {
	sess, _, speaker, chat, queue := newTestSession(t)
	chat.reply = "Sheep eat grass and hay!"
	sess.StartCall()

	sess.HandleTranscript("what do sheep eat")
	waitFor(t, "reply playback", func() bool { return len(speaker.utterances()) == 1 })
	waitFor(t, "guard timer", func() bool { return queue.count() == 1 })
	queue.fire(t)

	// The microphone hears the tail of the companion's own reply.
	sess.HandleTranscript("sheep eat grass and hay")
	if got := len(sess.Messages()); got != 2 {
		t.Fatalf("expected echo discarded, got %d messages", got)
	}
	if sess.State() != StateListening {
		t.Fatalf("expected still listening, got %v", sess.State())
	}
}

func TestTranscriptIgnoredWhileSpeaking(t *testing.T) {
	sess, _, speaker, chat, _ := newTestSession(t)
	sess.StartCall()

	sess.HandleTranscript("what do sheep eat")
	waitFor(t, "reply playback", func() bool { return len(speaker.utterances()) == 1 })
	waitFor(t, "reply recorded", func() bool { return len(sess.Messages()) == 2 })

	// Still Speaking: the guard timer has not fired.
	sess.HandleTranscript("another question already")
	if chat.callCount() != 1 {
		t.Fatalf("expected a single chat call, got %d", chat.callCount())
	}
	if got := len(sess.Messages()); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestChatFailureSpeaksApology(t *testing.T) {
	sess, _, speaker, chat, _ := newTestSession(t)
	chat.err = errors.New("upstream down")
	sess.StartCall()

	sess.HandleTranscript("tell me a story")
	waitFor(t, "apology playback", func() bool { return len(speaker.utterances()) == 1 })
	if speaker.utterances()[0] != ErrorReply {
		t.Fatalf("expected apology, got %q", speaker.utterances()[0])
	}
	waitFor(t, "apology recorded", func() bool { return len(sess.Messages()) == 2 })
	if msgs := sess.Messages(); msgs[1].Text != ErrorReply || msgs[1].IsUser {
		t.Fatalf("expected apology recorded, got %+v", msgs)
	}
}

func TestFarewellEndsSession(t *testing.T) {
	sess, rec, speaker, chat, queue := newTestSession(t)
	sess.StartCall()

	sess.HandleTranscript("okay bye bye leila")
	if sess.State() != StateEnding {
		t.Fatalf("expected ending, got %v", sess.State())
	}
	if !sess.Ending() {
		t.Fatal("expected ending latch set")
	}

	waitFor(t, "farewell playback", func() bool { return len(speaker.utterances()) == 1 })
	if speaker.utterances()[0] != FarewellReply {
		t.Fatalf("expected farewell reply, got %q", speaker.utterances()[0])
	}
	if chat.callCount() != 0 {
		t.Fatalf("farewell must not hit the chat backend, got %d calls", chat.callCount())
	}
	waitFor(t, "farewell recorded", func() bool { return len(sess.Messages()) == 2 })

	// Only the teardown timer is pending; the guard delay never resumes
	// listening once the session is ending.
	if queue.count() != 1 {
		t.Fatalf("expected only the teardown timer, got %d", queue.count())
	}

	// Anything heard while ending is dropped.
	sess.HandleTranscript("wait one more thing")
	if got := len(sess.Messages()); got != 2 {
		t.Fatalf("expected no new messages while ending, got %d", got)
	}

	if d := queue.fire(t); d != 10*time.Second {
		t.Fatalf("expected 10s teardown delay, got %v", d)
	}
	if sess.State() != StateIdle {
		t.Fatalf("expected idle after teardown, got %v", sess.State())
	}
	if len(sess.Messages()) != 0 {
		t.Fatal("expected history cleared on teardown")
	}
	if rec.stopCount() == 0 {
		t.Fatal("expected recognition stopped on teardown")
	}
}

func TestEndCallCancelsPendingWork(t *testing.T) {
	sess, rec, speaker, _, queue := newTestSession(t)
	sess.StartCall()

	sess.HandleTranscript("what do sheep eat")
	waitFor(t, "reply playback", func() bool { return len(speaker.utterances()) == 1 })
	waitFor(t, "guard timer", func() bool { return queue.count() == 1 })

	sess.EndCall()
	if sess.State() != StateIdle {
		t.Fatalf("expected idle, got %v", sess.State())
	}
	if len(sess.Messages()) != 0 {
		t.Fatal("expected history cleared")
	}

	// A stale guard callback from before the teardown must be absorbed.
	startsBefore := rec.startCount()
	queue.fire(t)
	if sess.State() != StateIdle {
		t.Fatalf("stale timer changed state to %v", sess.State())
	}
	if rec.startCount() != startsBefore {
		t.Fatal("stale timer restarted recognition")
	}
}

func TestRecognitionEndRestarts(t *testing.T) {
	sess, rec, _, _, queue := newTestSession(t)
	sess.StartCall()

	sess.HandleRecognitionEnd()
	if d := queue.fire(t); d != 300*time.Millisecond {
		t.Fatalf("expected 300ms restart delay, got %v", d)
	}
	if sess.State() != StateListening {
		t.Fatalf("expected listening after restart, got %v", sess.State())
	}
	if rec.startCount() != 2 {
		t.Fatalf("expected restart, got %d starts", rec.startCount())
	}
}

func TestRecognitionRestartGivesUpAfterBackoff(t *testing.T) {
	sess, rec, _, _, queue := newTestSession(t)
	sess.StartCall()
	rec.mu.Lock()
	rec.startErrs = []error{errors.New("mic gone"), errors.New("mic still gone")}
	rec.mu.Unlock()

	sess.HandleRecognitionEnd()
	if d := queue.fire(t); d != 300*time.Millisecond {
		t.Fatalf("expected 300ms restart delay, got %v", d)
	}
	// First restart failed; one backoff retry is scheduled.
	if d := queue.fire(t); d != 2*time.Second {
		t.Fatalf("expected 2s backoff, got %v", d)
	}
	if sess.State() != StateIdle {
		t.Fatalf("expected silent stop after second failure, got %v", sess.State())
	}
	if len(sess.Messages()) != 0 {
		t.Fatal("restart failures must not surface messages")
	}
}

func TestRecognitionErrorCodes(t *testing.T) {
	t.Run("transient codes ignored", func(t *testing.T) {
		sess, _, _, _, _ := newTestSession(t)
		sess.StartCall()
		sess.HandleRecognitionError("no-speech")
		sess.HandleRecognitionError("aborted")
		if sess.State() != StateListening {
			t.Fatalf("expected still listening, got %v", sess.State())
		}
	})

	t.Run("network stops silently", func(t *testing.T) {
		sess, rec, _, _, _ := newTestSession(t)
		sess.StartCall()
		sess.HandleRecognitionError("network")
		if sess.State() != StateIdle {
			t.Fatalf("expected idle, got %v", sess.State())
		}
		if len(sess.Messages()) != 0 {
			t.Fatal("network errors must not surface messages")
		}
		if rec.stopCount() == 0 {
			t.Fatal("expected recognition stopped")
		}
	})

	t.Run("unknown code surfaces one message", func(t *testing.T) {
		sess, _, speaker, _, _ := newTestSession(t)
		sess.StartCall()
		sess.HandleRecognitionError("audio-capture")
		if sess.State() != StateIdle {
			t.Fatalf("expected idle, got %v", sess.State())
		}
		msgs := sess.Messages()
		if len(msgs) != 1 || msgs[0].Text != MisheardReply || msgs[0].IsUser {
			t.Fatalf("expected one inline apology, got %+v", msgs)
		}
		if len(speaker.utterances()) != 0 {
			t.Fatal("recognition apologies are shown, not spoken")
		}
	})
}

func TestHooksObserveMessages(t *testing.T) {
	sess, _, speaker, chat, _ := newTestSession(t)
	var mu sync.Mutex
	var seen []Message
	sess.hooks = Hooks{OnMessage: func(m Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	}}

	sess.StartCall()
	sess.HandleTranscript("what do sheep eat")
	waitFor(t, "reply playback", func() bool { return len(speaker.utterances()) == 1 })
	waitFor(t, "both hook calls", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if !seen[0].IsUser || seen[1].IsUser {
		t.Fatalf("unexpected hook order: %+v", seen)
	}
	if seen[1].Text != chat.reply {
		t.Fatalf("unexpected hook reply %q", seen[1].Text)
	}
}
