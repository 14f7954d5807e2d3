package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Provider.ChatModel != "gpt-4" {
		t.Fatalf("expected default chat model, got %q", cfg.Provider.ChatModel)
	}
	if cfg.Voice.EchoThreshold != 0.7 {
		t.Fatalf("expected default echo threshold 0.7, got %v", cfg.Voice.EchoThreshold)
	}
	if cfg.Voice.MinTranscriptChars != 2 {
		t.Fatalf("expected default min transcript chars 2, got %d", cfg.Voice.MinTranscriptChars)
	}
	if cfg.Illustration.ServePrefix != "/cached-illustrations" {
		t.Fatalf("expected default serve prefix, got %q", cfg.Illustration.ServePrefix)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KATS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KATS_BUS_USERNAME", "alice")
	t.Setenv("KATS_BUS_PASSWORD", "secret")
	t.Setenv("KATS_PROVIDER_API_KEY", "sk-test")
	t.Setenv("KATS_PROVIDER_CHAT_MODEL", "gpt-4o-mini")
	t.Setenv("KATS_VOICE_GUARD_DELAY_MS", "900")
	t.Setenv("KATS_VOICE_ECHO_THRESHOLD", "0.8")
	t.Setenv("KATS_MEMORY_PATH", "./tmp.db")
	t.Setenv("KATS_MEMORY_RETENTION_MODE", "persistent")
	t.Setenv("KATS_ILLUSTRATION_CACHE_DIR", "/tmp/illustrations")
	t.Setenv("KATS_ILLUSTRATION_PREFETCH_DELAY_MS", "500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Fatalf("expected api key override")
	}
	if cfg.Provider.ChatModel != "gpt-4o-mini" {
		t.Fatalf("expected chat model override, got %q", cfg.Provider.ChatModel)
	}
	if cfg.Voice.GuardDelayMS != 900 {
		t.Fatalf("expected guard delay override, got %d", cfg.Voice.GuardDelayMS)
	}
	if cfg.Voice.EchoThreshold != 0.8 {
		t.Fatalf("expected echo threshold override, got %v", cfg.Voice.EchoThreshold)
	}
	if cfg.Memory.Path != "./tmp.db" {
		t.Fatalf("expected memory path override")
	}
	if cfg.Memory.RetentionMode != "persistent" {
		t.Fatalf("expected memory retention mode override")
	}
	if cfg.Illustration.CacheDir != "/tmp/illustrations" {
		t.Fatalf("expected cache dir override")
	}
	if cfg.Illustration.PrefetchDelayMS != 500 {
		t.Fatalf("expected prefetch delay override, got %d", cfg.Illustration.PrefetchDelayMS)
	}
}

func TestValidateRejectsBadRetentionMode(t *testing.T) {
	t.Setenv("KATS_MEMORY_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for bad retention mode")
	}
}
