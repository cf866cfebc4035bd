package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	assert.NoError(t, err)
	assert.Equal(t, "localhost:8000", cfg.ServerAddr)
	assert.Equal(t, 10, cfg.RoomCapacity)
	assert.Equal(t, 30*time.Second, cfg.GraceWindow)
	assert.Equal(t, 5*time.Minute, cfg.StaleConnectionAge)
	assert.Equal(t, 15*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 5*time.Second, cfg.DeliveryTimeout)
	assert.True(t, cfg.RequireRecordingConsent)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("CALLROOM_ADDR", "0.0.0.0:9000")
	t.Setenv("CALLROOM_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("CALLROOM_ROOM_CAPACITY", "4")
	t.Setenv("CALLROOM_GRACE_WINDOW", "1m")
	t.Setenv("CALLROOM_REQUIRE_RECORDING_CONSENT", "false")

	cfg, err := NewConfig()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 4, cfg.RoomCapacity)
	assert.Equal(t, time.Minute, cfg.GraceWindow)
	assert.False(t, cfg.RequireRecordingConsent)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty address", func(c *Config) { c.ServerAddr = "" }, "server address"},
		{"zero capacity", func(c *Config) { c.RoomCapacity = 0 }, "room capacity"},
		{"negative grace window", func(c *Config) { c.GraceWindow = -time.Second }, "grace window"},
		{"zero reaper interval", func(c *Config) { c.ReaperInterval = 0 }, "reaper interval"},
		{"zero delivery timeout", func(c *Config) { c.DeliveryTimeout = 0 }, "delivery timeout"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				ServerAddr:         "localhost:8000",
				RoomCapacity:       10,
				GraceWindow:        30 * time.Second,
				StaleConnectionAge: 5 * time.Minute,
				ReaperInterval:     15 * time.Second,
				DeliveryTimeout:    5 * time.Second,
			}
			tc.mutate(cfg)

			err := cfg.validate()
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
