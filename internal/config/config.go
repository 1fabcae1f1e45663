// Package config reads process configuration from the environment. A .env
// file in the working directory is loaded first; real environment variables
// take precedence over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type AuthMode string

const (
	AuthDev   AuthMode = "dev"
	AuthToken AuthMode = "token"
)

type Relay struct {
	Addr         string
	AuthMode     AuthMode
	AuthSecret   string
	Outbound     int
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	LogLevel     zerolog.Level
}

type Call struct {
	AnswerTimeout   time.Duration
	ConnectTimeout  time.Duration
	RingTimeout     time.Duration
	QualityInterval time.Duration
}

type Peer struct {
	Identity   string
	Token      string
	RelayURL   string
	ICEServers []string

	AudioFile  string
	VideoFile  string
	ScreenFile string

	// Call is an identity to dial on start. Empty waits for incoming calls.
	Call       string
	AutoAccept bool
	RecordDir  string

	// DisableReplaceTrack forces screen share through renegotiation.
	DisableReplaceTrack bool

	Timeouts Call
	LogLevel zerolog.Level
}

func loadDotEnv() {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
}

func LoadRelay() (*Relay, error) {
	loadDotEnv()
	e := &env{}
	cfg := &Relay{
		Addr:         e.str("RELAY_ADDR", ":8080"),
		AuthMode:     AuthMode(e.str("RELAY_AUTH_MODE", string(AuthDev))),
		AuthSecret:   e.str("RELAY_AUTH_SECRET", ""),
		Outbound:     e.integer("RELAY_OUTBOUND_QUEUE", 64),
		ReadLimit:    int64(e.integer("RELAY_READ_LIMIT_BYTES", 64<<10)),
		PingInterval: e.duration("RELAY_PING_INTERVAL", 20*time.Second),
		PongWait:     e.duration("RELAY_PONG_WAIT", 45*time.Second),
		WriteTimeout: e.duration("RELAY_WRITE_TIMEOUT", 10*time.Second),
		LogLevel:     e.level("LOG_LEVEL", zerolog.InfoLevel),
	}

	switch cfg.AuthMode {
	case AuthDev:
	case AuthToken:
		if cfg.AuthSecret == "" {
			e.fail("RELAY_AUTH_SECRET is required when RELAY_AUTH_MODE=token")
		}
	default:
		e.fail("RELAY_AUTH_MODE must be %q or %q, got %q", AuthDev, AuthToken, cfg.AuthMode)
	}
	if cfg.Outbound <= 0 {
		e.fail("RELAY_OUTBOUND_QUEUE must be positive")
	}
	if cfg.PingInterval >= cfg.PongWait {
		e.fail("RELAY_PING_INTERVAL (%s) must be shorter than RELAY_PONG_WAIT (%s)", cfg.PingInterval, cfg.PongWait)
	}
	if err := e.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPeer() (*Peer, error) {
	loadDotEnv()
	e := &env{}
	cfg := &Peer{
		Identity:            e.str("PEER_IDENTITY", ""),
		Token:               e.str("PEER_TOKEN", ""),
		RelayURL:            e.str("PEER_RELAY_URL", "ws://localhost:8080/ws"),
		ICEServers:          e.list("PEER_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		AudioFile:           e.str("PEER_AUDIO_FILE", ""),
		VideoFile:           e.str("PEER_VIDEO_FILE", ""),
		ScreenFile:          e.str("PEER_SCREEN_FILE", ""),
		Call:                e.str("PEER_CALL", ""),
		AutoAccept:          e.flag("PEER_AUTO_ACCEPT", true),
		RecordDir:           e.str("PEER_RECORD_DIR", ""),
		DisableReplaceTrack: e.flag("PEER_DISABLE_REPLACE_TRACK", false),
		Timeouts: Call{
			AnswerTimeout:   e.duration("CALL_ANSWER_TIMEOUT", 30*time.Second),
			ConnectTimeout:  e.duration("CALL_CONNECT_TIMEOUT", 15*time.Second),
			RingTimeout:     e.duration("CALL_RING_TIMEOUT", 45*time.Second),
			QualityInterval: e.duration("CALL_QUALITY_INTERVAL", 2*time.Second),
		},
		LogLevel: e.level("LOG_LEVEL", zerolog.InfoLevel),
	}

	if cfg.Identity == "" {
		e.fail("PEER_IDENTITY environment variable is required")
	}
	if cfg.Call != "" && cfg.Call == cfg.Identity {
		e.fail("PEER_CALL must differ from PEER_IDENTITY")
	}
	if !strings.HasPrefix(cfg.RelayURL, "ws://") && !strings.HasPrefix(cfg.RelayURL, "wss://") {
		e.fail("PEER_RELAY_URL must be a ws:// or wss:// url, got %q", cfg.RelayURL)
	}
	for name, d := range map[string]time.Duration{
		"CALL_ANSWER_TIMEOUT":   cfg.Timeouts.AnswerTimeout,
		"CALL_CONNECT_TIMEOUT":  cfg.Timeouts.ConnectTimeout,
		"CALL_RING_TIMEOUT":     cfg.Timeouts.RingTimeout,
		"CALL_QUALITY_INTERVAL": cfg.Timeouts.QualityInterval,
	} {
		if d <= 0 {
			e.fail("%s must be positive", name)
		}
	}
	if err := e.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env collects parse failures so every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) fail(format string, args ...any) {
	e.errs = append(e.errs, fmt.Errorf(format, args...))
}

func (e *env) err() error {
	return errors.Join(e.errs...)
}

func (e *env) str(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func (e *env) integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		e.fail("invalid int env %s=%q", key, raw)
		return fallback
	}
	return parsed
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		e.fail("invalid duration env %s=%q", key, raw)
		return fallback
	}
	return parsed
}

func (e *env) flag(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail("invalid bool env %s=%q", key, raw)
		return fallback
	}
	return parsed
}

func (e *env) list(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) level(key string, fallback zerolog.Level) zerolog.Level {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		e.fail("invalid log level env %s=%q", key, raw)
		return fallback
	}
	return lvl
}
