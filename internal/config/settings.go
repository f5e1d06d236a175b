// Package config loads the resource catalog (YAML) and the process settings
// (environment).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Settings are the process-level knobs, read from the environment.
type Settings struct {
	ResourcesPath string `env:"LOADER_RESOURCES,default=config/resources.yaml"`
	ListenAddr    string `env:"LOADER_LISTEN_ADDR,default=:8090"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	FetchTimeout time.Duration `env:"LOADER_FETCH_TIMEOUT,default=15s"`
	FetchRate    float64       `env:"LOADER_FETCH_RATE,default=0"`
	FetchBurst   int           `env:"LOADER_FETCH_BURST,default=1"`
	ExecTimeout  time.Duration `env:"LOADER_EXEC_TIMEOUT,default=5s"`

	// WarmSchedule is a cron spec; empty disables the warmer.
	WarmSchedule string `env:"LOADER_WARM_SCHEDULE,default=@every 30s"`

	EventBufferSize  int    `env:"LOADER_EVENT_BUFFER,default=1000"`
	MetricsNamespace string `env:"LOADER_METRICS_NAMESPACE,default=sdkloader"`

	// AcquireRate limits POST .../acquire per client; 0 disables limiting.
	AcquireRate  float64 `env:"LOADER_ACQUIRE_RATE,default=5"`
	AcquireBurst int     `env:"LOADER_ACQUIRE_BURST,default=10"`
	// CORSOrigins is a comma separated origin list.
	CORSOrigins string `env:"LOADER_CORS_ORIGINS"`
}

// CORSOriginList splits CORSOrigins.
func (s *Settings) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LoadSettings decodes Settings from the environment. Unset variables take
// their defaults.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks value ranges envdecode cannot express.
func (s *Settings) Validate() error {
	if s.ListenAddr == "" {
		return errors.New("LOADER_LISTEN_ADDR is required")
	}
	if s.FetchTimeout <= 0 {
		return fmt.Errorf("LOADER_FETCH_TIMEOUT must be positive, got %s", s.FetchTimeout)
	}
	if s.FetchRate < 0 {
		return fmt.Errorf("LOADER_FETCH_RATE must not be negative, got %v", s.FetchRate)
	}
	if s.EventBufferSize <= 0 {
		return fmt.Errorf("LOADER_EVENT_BUFFER must be positive, got %d", s.EventBufferSize)
	}
	return nil
}
