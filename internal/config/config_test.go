package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected localhost default, got %q", cfg.Host)
	}
	if cfg.Port != 8192 {
		t.Errorf("expected port 8192, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("expected headless by default")
	}
	if cfg.FrameQueueMax != 10 {
		t.Errorf("expected frame queue 10, got %d", cfg.FrameQueueMax)
	}
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("expected 2048 MB default, got %d", cfg.MaxMemoryMB)
	}
	if cfg.Navigation.PrimaryTimeout != 20*time.Second {
		t.Errorf("expected 20s primary nav timeout, got %v", cfg.Navigation.PrimaryTimeout)
	}
	if cfg.RemoteAttach() {
		t.Error("expected local launch by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("HEADLESS", "false")
	t.Setenv("SESSION_TIMEOUT", "5m")
	t.Setenv("NAV_RETRIES", "7")
	t.Setenv("BROWSER_WS_ENDPOINT", "ws://browserless:3000")

	cfg := Load()
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Headless {
		t.Error("expected headless disabled")
	}
	if cfg.SessionTimeout != 5*time.Minute {
		t.Errorf("expected 5m session timeout, got %v", cfg.SessionTimeout)
	}
	if cfg.Navigation.Retries != 7 {
		t.Errorf("expected 7 nav retries, got %d", cfg.Navigation.Retries)
	}
	if !cfg.RemoteAttach() {
		t.Error("expected remote attach mode")
	}
}

func TestValidateClampsInvalidValues(t *testing.T) {
	cfg := Load()
	cfg.Port = 99999
	cfg.MaxMemoryMB = 10
	cfg.FrameQueueMax = 0
	cfg.MaxConnections = -5
	cfg.SessionTimeout = time.Second
	cfg.HealthCheckInterval = time.Millisecond
	cfg.LogLevel = "shouting"

	cfg.Validate()

	if cfg.Port != 8192 {
		t.Errorf("expected port clamp to 8192, got %d", cfg.Port)
	}
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("expected memory clamp to 2048, got %d", cfg.MaxMemoryMB)
	}
	if cfg.FrameQueueMax != 10 {
		t.Errorf("expected frame queue clamp to 10, got %d", cfg.FrameQueueMax)
	}
	if cfg.MaxConnections != 64 {
		t.Errorf("expected connection clamp to 64, got %d", cfg.MaxConnections)
	}
	if cfg.SessionTimeout != time.Minute {
		t.Errorf("expected session timeout floor of 1m, got %v", cfg.SessionTimeout)
	}
	if cfg.HealthCheckInterval != 15*time.Second {
		t.Errorf("expected health interval clamp to 15s, got %v", cfg.HealthCheckInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level fallback to info, got %q", cfg.LogLevel)
	}
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	cfg := Load()
	cfg.BrowserPath = "/usr/bin/../../etc/passwd"
	cfg.CMPBlocklistPath = "../../secrets.yaml"
	cfg.Validate()

	if cfg.BrowserPath != "" {
		t.Errorf("expected traversal browser path cleared, got %q", cfg.BrowserPath)
	}
	if cfg.CMPBlocklistPath != "" {
		t.Errorf("expected traversal blocklist path cleared, got %q", cfg.CMPBlocklistPath)
	}
}

func TestValidateRejectsBadRemoteEndpoint(t *testing.T) {
	cfg := Load()
	cfg.BrowserWSEndpoint = "http://not-a-ws-url"
	cfg.Validate()

	if cfg.BrowserWSEndpoint != "" {
		t.Errorf("expected non-ws endpoint cleared, got %q", cfg.BrowserWSEndpoint)
	}
	if cfg.RemoteAttach() {
		t.Error("cleared endpoint should mean local launch")
	}
}
