package ingest

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/config"
)

const (
	// DefaultAddr binds loopback only.
	DefaultAddr = "127.0.0.1:8088"
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes. Control calls wait on the
	// event loop, so this is longer than the read timeout.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultPollInterval is the inbox safety-net scan when fsnotify misses a file.
	DefaultPollInterval = 30 * time.Second
)

// Settings captures runtime configuration for the HTTP ingestion server
// and the inbox watcher.
type Settings struct {
	Addr         string
	Inbox        string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PollInterval time.Duration
}

// SettingsFromConfig builds Settings from the server section of the Brain
// config. BRAIN_ADDR overrides the bind address.
func SettingsFromConfig(cfg config.ServerConfig) Settings {
	s := Settings{
		Addr:  cfg.Addr,
		Inbox: cfg.Inbox,
	}
	if addr := strings.TrimSpace(os.Getenv("BRAIN_ADDR")); addr != "" {
		s.Addr = addr
	}
	s.normalize()
	return s
}

func (s *Settings) normalize() {
	s.Addr = strings.TrimSpace(s.Addr)
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		s.Addr = DefaultAddr
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return "http://" + s.Addr
}
