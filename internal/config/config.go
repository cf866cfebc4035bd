package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration, parsed from the environment.
type Config struct {
	ServerAddr     string   `env:"CALLROOM_ADDR" envDefault:"localhost:8000"`
	AllowedOrigins []string `env:"CALLROOM_ALLOWED_ORIGINS" envSeparator:","`

	// RoomCapacity is the maximum number of active participants per room.
	RoomCapacity int `env:"CALLROOM_ROOM_CAPACITY" envDefault:"10"`
	// GraceWindow is how long a participant may be disconnected before it
	// is evicted instead of being allowed to reconnect in place.
	GraceWindow time.Duration `env:"CALLROOM_GRACE_WINDOW" envDefault:"30s"`
	// StaleConnectionAge is the idle age past which a connection mapping is
	// reaped even though the transport never signaled a disconnect.
	StaleConnectionAge time.Duration `env:"CALLROOM_STALE_CONNECTION_AGE" envDefault:"5m"`
	ReaperInterval     time.Duration `env:"CALLROOM_REAPER_INTERVAL" envDefault:"15s"`
	// DeliveryTimeout bounds each outbound delivery attempt.
	DeliveryTimeout         time.Duration `env:"CALLROOM_DELIVERY_TIMEOUT" envDefault:"5s"`
	RequireRecordingConsent bool          `env:"CALLROOM_REQUIRE_RECORDING_CONSENT" envDefault:"true"`
}

func NewConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.RoomCapacity <= 0 {
		return fmt.Errorf("room capacity must be positive, got %d", c.RoomCapacity)
	}

	for name, d := range map[string]time.Duration{
		"grace window":         c.GraceWindow,
		"stale connection age": c.StaleConnectionAge,
		"reaper interval":      c.ReaperInterval,
		"delivery timeout":     c.DeliveryTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}
