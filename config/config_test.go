package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RotationInterval != time.Hour {
		t.Errorf("RotationInterval = %v, want 1h", cfg.RotationInterval)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.EventSkew != 5*time.Second {
		t.Errorf("EventSkew = %v, want 5s", cfg.EventSkew)
	}
	if cfg.ClipWaitPolicy != "truncate" {
		t.Errorf("ClipWaitPolicy = %q, want truncate", cfg.ClipWaitPolicy)
	}
	if cfg.UploadMaxAttempts != 5 {
		t.Errorf("UploadMaxAttempts = %d, want 5", cfg.UploadMaxAttempts)
	}
	if cfg.DBDsn == "" {
		t.Error("DBDsn should have a default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROTATION_INTERVAL", "30m")
	t.Setenv("CLIP_MAX_WAIT", "2m")
	t.Setenv("UPLOAD_MAX_ATTEMPTS", "3")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RotationInterval != 30*time.Minute {
		t.Errorf("RotationInterval = %v, want 30m", cfg.RotationInterval)
	}
	if cfg.ClipMaxWait != 2*time.Minute {
		t.Errorf("ClipMaxWait = %v, want 2m", cfg.ClipMaxWait)
	}
	if cfg.UploadMaxAttempts != 3 {
		t.Errorf("UploadMaxAttempts = %d, want 3", cfg.UploadMaxAttempts)
	}
}

func TestLoadInvalidWaitPolicy(t *testing.T) {
	t.Setenv("CLIP_WAIT_POLICY", "panic")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid CLIP_WAIT_POLICY")
	}
}

func TestValidateChatReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateChatReady(); err == nil {
		t.Fatal("expected error with empty twitch creds")
	}
	cfg.TwitchBotUsername = "bot"
	cfg.TwitchOAuthToken = "oauth:xyz"
	if err := cfg.ValidateChatReady(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
