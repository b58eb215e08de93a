// Package config provides configuration loading for patternd.
package config

import (
	"fmt"
	"time"

	"github.com/fairwaylabs/patternd/internal/embeddings"
	"github.com/fairwaylabs/patternd/internal/engine"
	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/importer"
	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/policy"
	"github.com/fairwaylabs/patternd/internal/store"
)

// Config is the root patternd configuration.
type Config struct {
	Logging    LoggingConfig            `koanf:"logging"`
	Server     ServerConfig             `koanf:"server"`
	Store      store.Config             `koanf:"store"`
	Embeddings embeddings.Config        `koanf:"embeddings"`
	Extractor  importer.ExtractorConfig `koanf:"extractor"`
	Matcher    matcher.Config           `koanf:"matcher"`
	Policy     policy.Config            `koanf:"policy"`
	Feedback   feedback.Config          `koanf:"feedback"`
	Decay      feedback.DecayConfig     `koanf:"decay"`
	Importer   importer.Config          `koanf:"importer"`
	Engine     engine.Config            `koanf:"engine"`
	Sender     SenderConfig             `koanf:"sender"`
	Shadow     ShadowConfig             `koanf:"shadow"`
}

// SenderConfig points at the messaging layer's outbound webhook. With
// no URL configured, auto-execute decisions degrade to suggestions.
type SenderConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// ShadowConfig configures the optional shadow pipeline. When enabled,
// every message is replayed through a matcher/policy pair with these
// overrides and divergences are logged, never acted on.
type ShadowConfig struct {
	Enabled bool           `koanf:"enabled"`
	Matcher matcher.Config `koanf:"matcher"`
	Policy  policy.Config  `koanf:"policy"`
}

// ApplyDefaults fills unset fields across all sections.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8480
	}

	c.Store.ApplyDefaults()
	c.Extractor.ApplyDefaults()
	c.Matcher.ApplyDefaults()
	c.Policy.ApplyDefaults()
	c.Feedback.ApplyDefaults()
	c.Decay.ApplyDefaults()
	c.Importer.ApplyDefaults()
	c.Engine.ApplyDefaults()

	if c.Shadow.Enabled {
		c.Shadow.Matcher.ApplyDefaults()
		c.Shadow.Policy.ApplyDefaults()
	}
}

// Validate checks cross-section consistency. Policy validation fails
// fast here so a destructive action type on the auto allow-list never
// reaches runtime.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Shadow.Enabled {
		if err := c.Shadow.Policy.Validate(); err != nil {
			return fmt.Errorf("shadow: %w", err)
		}
	}
	return nil
}
