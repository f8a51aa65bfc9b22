package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"CALLENGINE_DATA_DIR", "CALLENGINE_HTTP_PORT", "CALLENGINE_TLS_CERT",
		"CALLENGINE_TLS_KEY", "CALLENGINE_LOG_LEVEL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"callengine"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.TLSCert != "" {
		t.Errorf("TLSCert = %q, want empty", cfg.TLSCert)
	}
	if cfg.TLSKey != "" {
		t.Errorf("TLSKey = %q, want empty", cfg.TLSKey)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.MaxAttemptsPerField != defaultMaxAttemptsPerField {
		t.Errorf("MaxAttemptsPerField = %d, want %d", cfg.MaxAttemptsPerField, defaultMaxAttemptsPerField)
	}
	if cfg.WaveRounds != defaultWaveRounds {
		t.Errorf("WaveRounds = %d, want %d", cfg.WaveRounds, defaultWaveRounds)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"callengine"}
	t.Setenv("CALLENGINE_HTTP_PORT", "9090")
	t.Setenv("CALLENGINE_DATA_DIR", "/tmp/callengine-test")
	t.Setenv("CALLENGINE_LOG_LEVEL", "debug")
	t.Setenv("CALLENGINE_WAVE_ROUNDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callengine-test" {
		t.Errorf("DataDir = %q, want /tmp/callengine-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.WaveRounds != 5 {
		t.Errorf("WaveRounds = %d, want 5", cfg.WaveRounds)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	os.Args = []string{"callengine", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("CALLENGINE_HTTP_PORT", "9090")
	t.Setenv("CALLENGINE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"callengine", "--http-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"callengine", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateTLSMismatch(t *testing.T) {
	os.Args = []string{"callengine", "--tls-cert", "cert.pem"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when tls-cert provided without tls-key")
	}
}

func TestValidateWaveConcurrency(t *testing.T) {
	os.Args = []string{"callengine", "--wave-concurrency", "0"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for zero wave-concurrency")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
