package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/katsacademy/kats-core/internal/provider"
)

// LocalSynth shells out to an on-device TTS helper so the companion can keep
// talking when the hosted provider is unreachable. The helper reads one JSON
// request on stdin and streams JSON lines of base64 PCM on stdout.
type LocalSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type localSynthRequest struct {
	Text       string  `json:"text"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type localSynthChunk struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewLocalSynth(command string, sampleRate, channels int) (*LocalSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command is empty")
	}
	return &LocalSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

// Synthesize runs the helper once and wraps its PCM output as a WAV payload.
func (l *LocalSynth) Synthesize(ctx context.Context, text string, speed float64) (*provider.SpeechResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reqData, err := json.Marshal(localSynthRequest{
		Text:       text,
		Speed:      speed,
		SampleRate: l.sampleRate,
		Channels:   l.channels,
	})
	if err != nil {
		return nil, err
	}

	base := l.cmd[0]
	args := append([]string{}, l.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(reqData)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start synth command: %w", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk localSynthChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			cmd.Wait()
			return nil, fmt.Errorf("decode synth chunk: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(chunk.PCMBase64)
		if err != nil {
			cmd.Wait()
			return nil, fmt.Errorf("decode synth pcm: %w", err)
		}
		pcm = append(pcm, data...)
		if chunk.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("synth command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("synth command produced no audio")
	}

	wavData, err := encodeWAV(pcm, l.sampleRate, l.channels)
	if err != nil {
		return nil, err
	}
	return &provider.SpeechResult{Audio: wavData, ContentType: "audio/wav"}, nil
}

// encodeWAV wraps 16-bit little-endian PCM in a WAV container. The encoder
// needs a seekable writer to patch up header sizes, so it goes through a
// temp file.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	file, err := os.CreateTemp("", "kats_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
