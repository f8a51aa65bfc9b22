// Package config loads callengine's runtime configuration from CLI flags
// and environment variables, following flag > env > default precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callengine/callengine/internal/email"
)

// Config holds all runtime configuration for the call-control engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	LogLevel    string
	LogFormat   string
	CORSOrigins string

	PublicBaseURL string // externally reachable base URL, used to build Stream/redirect callback URLs

	EncryptionKey  string // 32-byte hex-encoded key for AES-256-GCM encryption of stored secrets
	JWTSecret      string // hex-encoded 32-byte secret for operator dashboard session tokens
	PushGatewayURL string // URL of the push gateway service for operator mobile notifications
	LicenseKey     string // license key for authenticating with the push gateway
	ACMEDomain     string
	ACMEEmail      string

	CarrierBaseURL    string // carrier REST API base URL, used to originate and update calls
	CarrierAccountSid string // carrier account identifier sent with every API request
	CarrierAuthToken  string // carrier API auth token
	HoldMusicURL      string // static audio URL played during queue hold; empty plays no audio in the queue wait loop
	FallbackTransferNumber string // transfer destination used when a provider lookup can't resolve one

	SMTPHost     string // SMTP server hostname for the abandonment-notification email
	SMTPPort     string // SMTP server port
	SMTPFrom     string // From address for notification emails
	SMTPUsername string // SMTP auth username
	SMTPPassword string // SMTP auth password
	SMTPTLS      string // "none", "starttls", or "tls"

	MaxAttemptsPerField int // attempts before a collecting phase gives up
	GatherTimeoutSecs   int // seconds to wait for DTMF/speech input
	DialTimeoutSecs     int // seconds to ring a transfer/wave destination
	CallStateTTLSecs    int // TTL applied to CallState on every Set
	HoldAvgCallSecs     int // used to estimate queue wait time

	WaveRounds       int // number of dispatch rounds the wave scheduler runs
	WaveBackoffSecs  int // base backoff between rounds, seconds
	WaveConcurrency  int // max simultaneous outbound dials per round
	WaveScanSecs     int // how often the unfilled-shift scanner runs

	SSEPollIntervalSecs int // Event Bus stream poll interval
	SSEKeepaliveSecs    int // Event Bus keepalive comment interval

	VADSilenceMS        int     // trailing silence before speech capture ends
	VADEnergyThreshold   float64 // RMS energy floor for "speech present"
	LangDefault         string  // default TTS/STT language tag
}

const (
	defaultDataDir  = "./data"
	defaultHTTPPort = 8080
	defaultLogLevel = "info"
	defaultLogFormat = "text"

	defaultMaxAttemptsPerField = 2
	defaultGatherTimeoutSecs   = 15
	defaultDialTimeoutSecs     = 20
	defaultCallStateTTLSecs    = 14400 // 4h
	defaultHoldAvgCallSecs     = 180

	defaultWaveRounds      = 3
	defaultWaveBackoffSecs = 900 // 15m between rounds
	defaultWaveConcurrency = 5
	defaultWaveScanSecs    = 60

	defaultSSEPollIntervalSecs = 2
	defaultSSEKeepaliveSecs    = 15

	defaultVADSilenceMS        = 700
	defaultVADEnergyThreshold  = 0.02
	defaultLangDefault         = "en-AU"

	defaultSMTPPort = "587"
	defaultSMTPTLS  = "starttls"
)

// envPrefix is the prefix for all callengine environment variables.
const envPrefix = "CALLENGINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callengine", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the state/record databases")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP/WebSocket server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins for the operator dashboard (use * for all)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL used to build carrier callback URLs")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key for AES-256-GCM encryption of stored secrets")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for operator session tokens (auto-generated if empty)")
	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", "", "URL of the push gateway service for operator mobile notifications")
	fs.StringVar(&cfg.LicenseKey, "license-key", "", "license key for authenticating with the push gateway")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.CarrierBaseURL, "carrier-base-url", "", "carrier REST API base URL for originating and updating calls")
	fs.StringVar(&cfg.CarrierAccountSid, "carrier-account-sid", "", "carrier account identifier")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "carrier API auth token")
	fs.StringVar(&cfg.HoldMusicURL, "hold-music-url", "", "static audio URL played while a caller holds in the queue (empty plays no hold audio)")
	fs.StringVar(&cfg.FallbackTransferNumber, "fallback-transfer-number", "", "transfer destination used when a provider lookup can't resolve one")

	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server hostname for shift-abandonment notification email")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for notification emails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")

	fs.IntVar(&cfg.MaxAttemptsPerField, "max-attempts-per-field", defaultMaxAttemptsPerField, "attempts allowed before a collecting FSM phase gives up")
	fs.IntVar(&cfg.GatherTimeoutSecs, "gather-timeout-secs", defaultGatherTimeoutSecs, "seconds to wait for DTMF/speech input")
	fs.IntVar(&cfg.DialTimeoutSecs, "dial-timeout-secs", defaultDialTimeoutSecs, "seconds to ring a transfer or wave destination")
	fs.IntVar(&cfg.CallStateTTLSecs, "call-state-ttl-secs", defaultCallStateTTLSecs, "TTL applied to persisted call state")
	fs.IntVar(&cfg.HoldAvgCallSecs, "hold-avg-call-secs", defaultHoldAvgCallSecs, "average call duration used to estimate queue wait")

	fs.IntVar(&cfg.WaveRounds, "wave-rounds", defaultWaveRounds, "number of outbound dispatch rounds per occurrence")
	fs.IntVar(&cfg.WaveBackoffSecs, "wave-backoff-secs", defaultWaveBackoffSecs, "base backoff between wave rounds, seconds")
	fs.IntVar(&cfg.WaveConcurrency, "wave-concurrency", defaultWaveConcurrency, "max simultaneous outbound dials per round")
	fs.IntVar(&cfg.WaveScanSecs, "wave-scan-secs", defaultWaveScanSecs, "how often the unfilled-shift scanner runs, seconds")

	fs.IntVar(&cfg.SSEPollIntervalSecs, "sse-poll-interval-secs", defaultSSEPollIntervalSecs, "Event Bus stream poll interval, seconds")
	fs.IntVar(&cfg.SSEKeepaliveSecs, "sse-keepalive-secs", defaultSSEKeepaliveSecs, "Event Bus keepalive comment interval, seconds")

	fs.IntVar(&cfg.VADSilenceMS, "vad-silence-ms", defaultVADSilenceMS, "trailing silence, milliseconds, before speech capture ends")
	fs.Float64Var(&cfg.VADEnergyThreshold, "vad-energy-threshold", defaultVADEnergyThreshold, "RMS energy floor for speech presence")
	fs.StringVar(&cfg.LangDefault, "lang-default", defaultLangDefault, "default TTS/STT language tag")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. CLI flags take precedence.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":                envPrefix + "DATA_DIR",
		"http-port":                envPrefix + "HTTP_PORT",
		"tls-cert":                 envPrefix + "TLS_CERT",
		"tls-key":                  envPrefix + "TLS_KEY",
		"log-level":                envPrefix + "LOG_LEVEL",
		"log-format":               envPrefix + "LOG_FORMAT",
		"cors-origins":             envPrefix + "CORS_ORIGINS",
		"public-base-url":          envPrefix + "PUBLIC_BASE_URL",
		"encryption-key":           envPrefix + "ENCRYPTION_KEY",
		"jwt-secret":               envPrefix + "JWT_SECRET",
		"push-gateway-url":         envPrefix + "PUSH_GATEWAY_URL",
		"license-key":              envPrefix + "LICENSE_KEY",
		"acme-domain":              envPrefix + "ACME_DOMAIN",
		"acme-email":               envPrefix + "ACME_EMAIL",
		"carrier-base-url":         envPrefix + "CARRIER_BASE_URL",
		"carrier-account-sid":      envPrefix + "CARRIER_ACCOUNT_SID",
		"carrier-auth-token":       envPrefix + "CARRIER_AUTH_TOKEN",
		"hold-music-url":           envPrefix + "HOLD_MUSIC_URL",
		"fallback-transfer-number": envPrefix + "FALLBACK_TRANSFER_NUMBER",
		"smtp-host":                envPrefix + "SMTP_HOST",
		"smtp-port":                envPrefix + "SMTP_PORT",
		"smtp-from":                envPrefix + "SMTP_FROM",
		"smtp-username":            envPrefix + "SMTP_USERNAME",
		"smtp-password":            envPrefix + "SMTP_PASSWORD",
		"smtp-tls":                 envPrefix + "SMTP_TLS",
		"max-attempts-per-field":   envPrefix + "MAX_ATTEMPTS_PER_FIELD",
		"gather-timeout-secs":      envPrefix + "GATHER_TIMEOUT_SECS",
		"dial-timeout-secs":        envPrefix + "DIAL_TIMEOUT_SECS",
		"call-state-ttl-secs":      envPrefix + "CALL_STATE_TTL_SECS",
		"hold-avg-call-secs":       envPrefix + "HOLD_AVG_CALL_SECS",
		"wave-rounds":              envPrefix + "WAVE_ROUNDS",
		"wave-backoff-secs":        envPrefix + "WAVE_BACKOFF_SECS",
		"wave-concurrency":         envPrefix + "WAVE_CONCURRENCY",
		"wave-scan-secs":           envPrefix + "WAVE_SCAN_SECS",
		"sse-poll-interval-secs":   envPrefix + "SSE_POLL_INTERVAL_SECS",
		"sse-keepalive-secs":       envPrefix + "SSE_KEEPALIVE_SECS",
		"vad-silence-ms":           envPrefix + "VAD_SILENCE_MS",
		"vad-energy-threshold":     envPrefix + "VAD_ENERGY_THRESHOLD",
		"lang-default":             envPrefix + "LANG_DEFAULT",
	}

	intFields := map[string]*int{
		"http-port":              &cfg.HTTPPort,
		"max-attempts-per-field": &cfg.MaxAttemptsPerField,
		"gather-timeout-secs":    &cfg.GatherTimeoutSecs,
		"dial-timeout-secs":      &cfg.DialTimeoutSecs,
		"call-state-ttl-secs":    &cfg.CallStateTTLSecs,
		"hold-avg-call-secs":     &cfg.HoldAvgCallSecs,
		"wave-rounds":            &cfg.WaveRounds,
		"wave-backoff-secs":      &cfg.WaveBackoffSecs,
		"wave-concurrency":       &cfg.WaveConcurrency,
		"wave-scan-secs":         &cfg.WaveScanSecs,
		"sse-poll-interval-secs": &cfg.SSEPollIntervalSecs,
		"sse-keepalive-secs":     &cfg.SSEKeepaliveSecs,
		"vad-silence-ms":         &cfg.VADSilenceMS,
	}
	strFields := map[string]*string{
		"data-dir":        &cfg.DataDir,
		"tls-cert":        &cfg.TLSCert,
		"tls-key":         &cfg.TLSKey,
		"log-level":       &cfg.LogLevel,
		"log-format":      &cfg.LogFormat,
		"cors-origins":    &cfg.CORSOrigins,
		"public-base-url": &cfg.PublicBaseURL,
		"encryption-key":  &cfg.EncryptionKey,
		"jwt-secret":      &cfg.JWTSecret,
		"push-gateway-url": &cfg.PushGatewayURL,
		"license-key":     &cfg.LicenseKey,
		"acme-domain":     &cfg.ACMEDomain,
		"acme-email":      &cfg.ACMEEmail,
		"carrier-base-url":    &cfg.CarrierBaseURL,
		"carrier-account-sid": &cfg.CarrierAccountSid,
		"carrier-auth-token":  &cfg.CarrierAuthToken,
		"hold-music-url":      &cfg.HoldMusicURL,
		"fallback-transfer-number": &cfg.FallbackTransferNumber,
		"smtp-host":       &cfg.SMTPHost,
		"smtp-port":       &cfg.SMTPPort,
		"smtp-from":       &cfg.SMTPFrom,
		"smtp-username":   &cfg.SMTPUsername,
		"smtp-password":   &cfg.SMTPPassword,
		"smtp-tls":        &cfg.SMTPTLS,
		"lang-default":    &cfg.LangDefault,
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		if p, ok := strFields[flagName]; ok {
			*p = val
			continue
		}
		if p, ok := intFields[flagName]; ok {
			if v, err := strconv.Atoi(val); err == nil {
				*p = v
			}
			continue
		}
		if flagName == "vad-energy-threshold" {
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADEnergyThreshold = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}
	if c.MaxAttemptsPerField < 1 {
		return fmt.Errorf("max-attempts-per-field must be at least 1, got %d", c.MaxAttemptsPerField)
	}
	if c.WaveRounds < 1 {
		return fmt.Errorf("wave-rounds must be at least 1, got %d", c.WaveRounds)
	}
	if c.WaveConcurrency < 1 {
		return fmt.Errorf("wave-concurrency must be at least 1, got %d", c.WaveConcurrency)
	}
	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key, or nil if
// no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret. If no
// secret is configured, it generates a random 32-byte key for the process
// lifetime (operator sessions will not survive a restart).
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (operator sessions will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) GatherTimeout() time.Duration { return time.Duration(c.GatherTimeoutSecs) * time.Second }
func (c *Config) DialTimeout() time.Duration   { return time.Duration(c.DialTimeoutSecs) * time.Second }
func (c *Config) CallStateTTL() time.Duration {
	return time.Duration(c.CallStateTTLSecs) * time.Second
}
func (c *Config) WaveBackoff() time.Duration {
	return time.Duration(c.WaveBackoffSecs) * time.Second
}
func (c *Config) WaveScanInterval() time.Duration {
	return time.Duration(c.WaveScanSecs) * time.Second
}
func (c *Config) SSEPollInterval() time.Duration {
	return time.Duration(c.SSEPollIntervalSecs) * time.Second
}
func (c *Config) SSEKeepalive() time.Duration {
	return time.Duration(c.SSEKeepaliveSecs) * time.Second
}
func (c *Config) VADSilence() time.Duration {
	return time.Duration(c.VADSilenceMS) * time.Millisecond
}

// MediaStreamURL derives the wss:// callback URL the carrier connects
// back to for speech-gathering phases (C6), from the same base URL used
// to build every other carrier callback. Empty if no base URL is
// configured, in which case the dispatcher falls back to carrier-side
// speech gather instead of a media stream.
func (c *Config) MediaStreamURL() string {
	switch {
	case c.PublicBaseURL == "":
		return ""
	case strings.HasPrefix(c.PublicBaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.PublicBaseURL, "https://") + "/media"
	case strings.HasPrefix(c.PublicBaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.PublicBaseURL, "http://") + "/media"
	default:
		return ""
	}
}

// SMTPConfig builds the email package's SMTP configuration from the
// corresponding flags/env vars. Callers check Valid() before using it.
func (c *Config) SMTPConfig() email.SMTPConfig {
	return email.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		From:     c.SMTPFrom,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
