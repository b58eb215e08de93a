package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a store backend.
type Config struct {
	// Provider selects the backend: "memory", "chromem", or "postgres".
	Provider string `koanf:"provider"`

	Chromem  ChromemConfig  `koanf:"chromem"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	c.Chromem.ApplyDefaults()
}

// New creates the store backend named by cfg.Provider. The Postgres
// backend also applies its schema.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	cfg.ApplyDefaults()

	switch cfg.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "chromem":
		return NewChromemStore(ctx, cfg.Chromem, logger)
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
