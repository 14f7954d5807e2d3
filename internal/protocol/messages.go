package protocol

import "time"

// Transcript is finalized (or interim) speech recognition output for a chat
// session, published by the capture side.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ChatMessage is a single transcript entry of a chat companion session.
type ChatMessage struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechAudio carries synthesized audio to the playback side.
type SpeechAudio struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`
	Audio       []byte `json:"audio"`
	Sequence    int    `json:"sequence"`
	Final       bool   `json:"final"`
}

// SpeechStatus reports playback completion for a session.
type SpeechStatus struct {
	SessionID string    `json:"session_id"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionControl starts or ends a chat session.
type SessionControl struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognitionEvent reports recognition stream lifecycle: the stream ended, or
// an error code such as "no-speech", "aborted" or "network".
type RecognitionEvent struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "voice.transcript.partial"
	SubjectTranscriptFinal   = "voice.transcript.final"
	SubjectChatMessage       = "voice.chat.message"
	SubjectSpeechAudio       = "voice.speech.audio"
	SubjectSpeechDone        = "voice.speech.done"
	SubjectSpeechStopPrefix  = "voice.speech.stop"
	SubjectSessionStart      = "voice.session.start"
	SubjectSessionEnd        = "voice.session.end"
	SubjectSessionEnded      = "voice.session.ended"

	// Control subjects for the capture device; suffixed with the session ID.
	SubjectRecognitionStartPrefix = "voice.recognition.start"
	SubjectRecognitionStopPrefix  = "voice.recognition.stop"
	SubjectRecognitionEnded       = "voice.recognition.ended"
	SubjectRecognitionError       = "voice.recognition.error"
)
