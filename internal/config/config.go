package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	AppName      string             `yaml:"app_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Provider     ProviderConfig     `yaml:"provider"`
	Voice        VoiceConfig        `yaml:"voice"`
	Memory       MemoryConfig       `yaml:"memory"`
	Illustration IllustrationConfig `yaml:"illustration"`
	Content      ContentConfig      `yaml:"content"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ProviderConfig covers the upstream AI provider (an OpenAI-compatible API).
// Mode "mock" swaps in canned backends so the daemon runs without keys.
type ProviderConfig struct {
	Mode           string  `yaml:"mode"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	ChatModel      string  `yaml:"chat_model"`
	Temperature    float64 `yaml:"temperature"`
	MaxReplyTokens int     `yaml:"max_reply_tokens"`
	TTSModel       string  `yaml:"tts_model"`
	TTSVoice       string  `yaml:"tts_voice"`
	ImageModel     string  `yaml:"image_model"`
	ImageSize      string  `yaml:"image_size"`
	RequestTimeout int     `yaml:"request_timeout_ms"`
}

// VoiceConfig tunes the chat companion voice loop. The echo threshold and the
// delays are tunable constants, not derived values.
type VoiceConfig struct {
	Enabled            bool    `yaml:"enabled"`
	GuardDelayMS       int     `yaml:"guard_delay_ms"`
	FarewellDelayMS    int     `yaml:"farewell_delay_ms"`
	RestartDelayMS     int     `yaml:"restart_delay_ms"`
	RestartBackoffMS   int     `yaml:"restart_backoff_ms"`
	MinTranscriptChars int     `yaml:"min_transcript_chars"`
	EchoThreshold      float64 `yaml:"echo_threshold"`
	SpeechSpeed        float64 `yaml:"speech_speed"`
	LocalSynthCommand  string  `yaml:"local_synth_command"`
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
}

type MemoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type IllustrationConfig struct {
	CacheDir        string `yaml:"cache_dir"`
	ServePrefix     string `yaml:"serve_prefix"`
	PrefetchDelayMS int    `yaml:"prefetch_delay_ms"`
}

type ContentConfig struct {
	BooksPath      string `yaml:"books_path"`
	SightWordsPath string `yaml:"sight_words_path"`
}

func Default() Config {
	return Config{
		AppName:     "kats-academy",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Provider: ProviderConfig{
			Mode:           "live",
			BaseURL:        "https://api.openai.com/v1",
			ChatModel:      "gpt-4",
			Temperature:    0.7,
			MaxReplyTokens: 60,
			TTSModel:       "tts-1",
			TTSVoice:       "nova",
			ImageModel:     "dall-e-3",
			ImageSize:      "1024x1024",
			RequestTimeout: 30000,
		},
		Voice: VoiceConfig{
			Enabled:            true,
			GuardDelayMS:       1200,
			FarewellDelayMS:    10000,
			RestartDelayMS:     300,
			RestartBackoffMS:   2000,
			MinTranscriptChars: 2,
			EchoThreshold:      0.7,
			SpeechSpeed:        1.0,
			SampleRate:         22050,
			Channels:           1,
		},
		Memory: MemoryConfig{
			Path:          "./data/kats-memory.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Illustration: IllustrationConfig{
			CacheDir:        "./public/cached-illustrations",
			ServePrefix:     "/cached-illustrations",
			PrefetchDelayMS: 2000,
		},
		Content: ContentConfig{
			BooksPath:      "./assets/children_books.json",
			SightWordsPath: "./assets/meaningful_sight_words.json",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "KATS_APP_NAME")
	overrideString(&cfg.Environment, "KATS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KATS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KATS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KATS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KATS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KATS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KATS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "KATS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KATS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KATS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KATS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KATS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KATS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KATS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KATS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KATS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Provider.Mode, "KATS_PROVIDER_MODE")
	overrideString(&cfg.Provider.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Provider.APIKey, "KATS_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.BaseURL, "KATS_PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.ChatModel, "KATS_PROVIDER_CHAT_MODEL")
	overrideFloat(&cfg.Provider.Temperature, "KATS_PROVIDER_TEMPERATURE")
	overrideInt(&cfg.Provider.MaxReplyTokens, "KATS_PROVIDER_MAX_REPLY_TOKENS")
	overrideString(&cfg.Provider.TTSModel, "KATS_PROVIDER_TTS_MODEL")
	overrideString(&cfg.Provider.TTSVoice, "KATS_PROVIDER_TTS_VOICE")
	overrideString(&cfg.Provider.ImageModel, "KATS_PROVIDER_IMAGE_MODEL")
	overrideString(&cfg.Provider.ImageSize, "KATS_PROVIDER_IMAGE_SIZE")
	overrideInt(&cfg.Provider.RequestTimeout, "KATS_PROVIDER_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Voice.Enabled, "KATS_VOICE_ENABLED")
	overrideInt(&cfg.Voice.GuardDelayMS, "KATS_VOICE_GUARD_DELAY_MS")
	overrideInt(&cfg.Voice.FarewellDelayMS, "KATS_VOICE_FAREWELL_DELAY_MS")
	overrideInt(&cfg.Voice.RestartDelayMS, "KATS_VOICE_RESTART_DELAY_MS")
	overrideInt(&cfg.Voice.RestartBackoffMS, "KATS_VOICE_RESTART_BACKOFF_MS")
	overrideInt(&cfg.Voice.MinTranscriptChars, "KATS_VOICE_MIN_TRANSCRIPT_CHARS")
	overrideFloat(&cfg.Voice.EchoThreshold, "KATS_VOICE_ECHO_THRESHOLD")
	overrideFloat(&cfg.Voice.SpeechSpeed, "KATS_VOICE_SPEECH_SPEED")
	overrideString(&cfg.Voice.LocalSynthCommand, "KATS_VOICE_LOCAL_SYNTH_COMMAND")
	overrideInt(&cfg.Voice.SampleRate, "KATS_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.Channels, "KATS_VOICE_CHANNELS")
	overrideString(&cfg.Memory.Path, "KATS_MEMORY_PATH")
	overrideString(&cfg.Memory.RetentionMode, "KATS_MEMORY_RETENTION_MODE")
	overrideInt(&cfg.Memory.RetentionDays, "KATS_MEMORY_RETENTION_DAYS")
	overrideInt(&cfg.Memory.MaxSessions, "KATS_MEMORY_MAX_SESSIONS")
	overrideBool(&cfg.Memory.VacuumOnStart, "KATS_MEMORY_VACUUM_ON_START")
	overrideString(&cfg.Illustration.CacheDir, "KATS_ILLUSTRATION_CACHE_DIR")
	overrideString(&cfg.Illustration.ServePrefix, "KATS_ILLUSTRATION_SERVE_PREFIX")
	overrideInt(&cfg.Illustration.PrefetchDelayMS, "KATS_ILLUSTRATION_PREFETCH_DELAY_MS")
	overrideString(&cfg.Content.BooksPath, "KATS_CONTENT_BOOKS_PATH")
	overrideString(&cfg.Content.SightWordsPath, "KATS_CONTENT_SIGHT_WORDS_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Provider.Mode {
	case "live", "mock":
		// ok
	default:
		return errors.New("provider.mode must be one of live|mock")
	}
	if cfg.Provider.BaseURL == "" {
		return errors.New("provider.base_url must not be empty")
	}
	if cfg.Provider.MaxReplyTokens <= 0 {
		return errors.New("provider.max_reply_tokens must be positive")
	}
	if cfg.Provider.RequestTimeout <= 0 {
		return errors.New("provider.request_timeout_ms must be positive")
	}
	if cfg.Voice.Enabled {
		if cfg.Voice.GuardDelayMS < 0 {
			return errors.New("voice.guard_delay_ms must be >= 0")
		}
		if cfg.Voice.FarewellDelayMS < 0 {
			return errors.New("voice.farewell_delay_ms must be >= 0")
		}
		if cfg.Voice.EchoThreshold <= 0 || cfg.Voice.EchoThreshold > 1 {
			return errors.New("voice.echo_threshold must be in (0, 1]")
		}
		if cfg.Voice.MinTranscriptChars < 0 {
			return errors.New("voice.min_transcript_chars must be >= 0")
		}
		if cfg.Voice.SpeechSpeed <= 0 {
			return errors.New("voice.speech_speed must be positive")
		}
		if cfg.Voice.SampleRate <= 0 {
			return errors.New("voice.sample_rate must be positive")
		}
		if cfg.Voice.Channels <= 0 {
			return errors.New("voice.channels must be positive")
		}
	}
	if cfg.Memory.Path == "" {
		return errors.New("memory.path must not be empty")
	}
	switch cfg.Memory.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("memory.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Memory.RetentionDays < 0 {
		return errors.New("memory.retention_days must be >= 0")
	}
	if cfg.Illustration.CacheDir == "" {
		return errors.New("illustration.cache_dir must not be empty")
	}
	if !strings.HasPrefix(cfg.Illustration.ServePrefix, "/") {
		return errors.New("illustration.serve_prefix must start with /")
	}
	if cfg.Illustration.PrefetchDelayMS < 0 {
		return errors.New("illustration.prefetch_delay_ms must be >= 0")
	}
	return nil
}
