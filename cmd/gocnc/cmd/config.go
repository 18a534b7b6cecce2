package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/flynn/json5"
	"github.com/spf13/cobra"
)

// Config is resolved from defaults, then the profile file, then the
// environment and finally the command line flags.
type Config struct {
	Port         string `json:"port" env:"GOCNC_PORT"`
	Baudrate     int    `json:"baudrate" env:"GOCNC_BAUDRATE"`
	Dialect      string `json:"dialect" env:"GOCNC_DIALECT"`
	Connection   string `json:"connection" env:"GOCNC_CONNECTION"`
	Buffer       int    `json:"buffer" env:"GOCNC_BUFFER"`
	Debug        bool   `json:"debug" env:"GOCNC_DEBUG"`
	StatusPollMs int    `json:"status_poll_ms" env:"GOCNC_STATUS_POLL_MS"`
	AckDelayMs   int    `json:"ack_delay_ms" env:"GOCNC_ACK_DELAY_MS"`
}

func defaultConfig() *Config {
	return &Config{
		Port:         "*",
		Baudrate:     115200,
		Dialect:      "GRBL",
		Connection:   "Serial",
		StatusPollMs: 250,
	}
}

func (c *Config) StatusPollInterval() time.Duration {
	return time.Duration(c.StatusPollMs) * time.Millisecond
}

func (c *Config) AckDelay() time.Duration {
	return time.Duration(c.AckDelayMs) * time.Millisecond
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := defaultConfig()
	pf := cmd.Flags()

	profile, err := pf.GetString(flagProfile)
	if err != nil {
		return nil, err
	}
	if profile != "" {
		data, err := os.ReadFile(profile)
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", profile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if pf.Changed(flagPort) {
		cfg.Port, _ = pf.GetString(flagPort)
	}
	if pf.Changed(flagBaudrate) {
		cfg.Baudrate, _ = pf.GetInt(flagBaudrate)
	}
	if pf.Changed(flagDialect) {
		cfg.Dialect, _ = pf.GetString(flagDialect)
	}
	if pf.Changed(flagConnection) {
		cfg.Connection, _ = pf.GetString(flagConnection)
	}
	if pf.Changed(flagBuffer) {
		cfg.Buffer, _ = pf.GetInt(flagBuffer)
	}
	if pf.Changed(flagDebug) {
		cfg.Debug, _ = pf.GetBool(flagDebug)
	}
	return cfg, nil
}
