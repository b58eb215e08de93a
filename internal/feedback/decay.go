package feedback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/store"
)

// DecayConfig holds tuning for the background maintenance job.
type DecayConfig struct {
	// Interval is the time between maintenance runs.
	Interval time.Duration `koanf:"interval"`

	// Window is how long a pattern may go unused before its confidence
	// starts decaying.
	Window time.Duration `koanf:"window"`

	// Step is subtracted from confidence each run for stale patterns.
	Step float64 `koanf:"step"`

	// RetirementThreshold soft-retires a pattern whose decayed
	// confidence falls below it.
	RetirementThreshold float64 `koanf:"retirement_threshold"`

	// SuggestionTTL is how long a suggestion may stay pending before the
	// timeout sweep finalizes it as escalated.
	SuggestionTTL time.Duration `koanf:"suggestion_ttl"`
}

// ApplyDefaults sets default values for unset fields.
func (c *DecayConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.Window == 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.Step == 0 {
		c.Step = 0.02
	}
	if c.RetirementThreshold == 0 {
		c.RetirementThreshold = 0.15
	}
	if c.SuggestionTTL == 0 {
		c.SuggestionTTL = time.Hour
	}
}

// DecayScheduler runs periodic maintenance outside the request path:
// confidence decay for patterns with no recent executions, so stale
// high-confidence patterns stop auto-firing without recent validation,
// and a timeout sweep that escalates suggestions nobody acted on.
//
// Start and Stop are idempotent and safe for concurrent use.
type DecayScheduler struct {
	store  store.Store
	config DecayConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewDecayScheduler creates a scheduler. Call Start to begin runs.
func NewDecayScheduler(s store.Store, config DecayConfig, logger *zap.Logger) *DecayScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &DecayScheduler{store: s, config: config, logger: logger}
}

// Start begins the background maintenance loop.
func (d *DecayScheduler) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.stopCh = make(chan struct{})
	d.running = true

	d.logger.Info("decay scheduler started",
		zap.Duration("interval", d.config.Interval),
		zap.Duration("window", d.config.Window))

	go d.run(d.stopCh)
}

// Stop signals the maintenance loop to exit.
func (d *DecayScheduler) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

func (d *DecayScheduler) run(stopCh chan struct{}) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.safeRunOnce()
		case <-stopCh:
			d.logger.Debug("decay scheduler stopped")
			return
		}
	}
}

// safeRunOnce wraps RunOnce with panic recovery so one bad run never
// kills the scheduler.
func (d *DecayScheduler) safeRunOnce() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("maintenance run panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Interval)
	defer cancel()

	if err := d.RunOnce(ctx); err != nil {
		d.logger.Error("maintenance run failed", zap.Error(err))
	}
}

// RunOnce executes a single maintenance pass. Exported so tests and
// operators can trigger it directly.
func (d *DecayScheduler) RunOnce(ctx context.Context) error {
	now := time.Now()

	if err := d.decayStale(ctx, now); err != nil {
		return err
	}
	return d.sweepSuggestions(ctx, now)
}

func (d *DecayScheduler) decayStale(ctx context.Context, now time.Time) error {
	patterns, err := d.store.ListActive(ctx)
	if err != nil {
		return err
	}

	cutoff := now.Add(-d.config.Window)
	decayed, retired := 0, 0
	for _, p := range patterns {
		if !p.LastSeenAt.Before(cutoff) {
			continue
		}
		newScore, err := d.store.UpdateConfidence(ctx, p.ID, -d.config.Step)
		if err != nil {
			return err
		}
		decayed++
		if newScore < d.config.RetirementThreshold {
			if err := d.store.Deactivate(ctx, p.ID); err != nil {
				return err
			}
			retired++
		}
	}

	if decayed > 0 {
		d.logger.Info("decayed stale patterns",
			zap.Int("decayed", decayed),
			zap.Int("retired", retired))
	}
	return nil
}

func (d *DecayScheduler) sweepSuggestions(ctx context.Context, now time.Time) error {
	stale, err := d.store.ListPendingOlderThan(ctx, now.Add(-d.config.SuggestionTTL))
	if err != nil {
		return err
	}

	for _, rec := range stale {
		err := d.store.FinalizeExecution(ctx, rec.ID, rec.ActionTaken, "", "", pattern.OutcomeEscalated)
		if err != nil && err != pattern.ErrRecordFinalized {
			return err
		}
	}

	if len(stale) > 0 {
		d.logger.Info("escalated timed-out suggestions", zap.Int("count", len(stale)))
	}
	return nil
}
