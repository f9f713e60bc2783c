package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/metrics"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Signal is one threshold condition evaluated over a sliding window. It is
// active while Measure(window) >= Threshold.
type Signal struct {
	Name      string
	Message   string
	Threshold float64
	Measure   func(ctx context.Context, from, to time.Time) (float64, error)
}

// DefaultSignals returns the built-in pipeline health signals: dead-letter
// volume, missing transfers, and delayed transfers over the window.
func DefaultSignals(repo repository.Repository) []Signal {
	return []Signal{
		{
			Name:      "dead_letter_surge",
			Message:   "records are being diverted to the dead-letter store",
			Threshold: 1,
			Measure: func(ctx context.Context, from, to time.Time) (float64, error) {
				n, err := repo.Count(ctx, from, to)
				return float64(n), err
			},
		},
		{
			Name:      "missing_transfers",
			Message:   "expected files are missing from the target",
			Threshold: 1,
			Measure: func(ctx context.Context, from, to time.Time) (float64, error) {
				n, err := repo.CountByStatus(ctx, model.StatusMissing, from, to)
				return float64(n), err
			},
		},
		{
			Name:      "delayed_transfers",
			Message:   "file transfers are running behind",
			Threshold: 1,
			Measure: func(ctx context.Context, from, to time.Time) (float64, error) {
				n, err := repo.CountByStatus(ctx, model.StatusDelayed, from, to)
				return float64(n), err
			},
		},
	}
}

// Evaluator periodically measures each signal over the trailing window and
// notifies the channels on rising edges only.
type Evaluator struct {
	cfg      config.AlertsConfig
	signals  []Signal
	state    TriggerState
	channels []Channel
	logger   *logging.Logger
	now      func() time.Time
}

// NewEvaluator creates an evaluator over the given signals.
func NewEvaluator(cfg config.AlertsConfig, signals []Signal, state TriggerState, channels []Channel, logger *logging.Logger) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		signals:  signals,
		state:    state,
		channels: channels,
		logger:   logger,
		now:      time.Now,
	}
}

// Run evaluates on the configured interval until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EvaluateOnce(ctx); err != nil {
				e.logger.Error("signal evaluation failed", "error", err)
			}
		}
	}
}

// EvaluateOnce measures every signal once. Fired events that fail delivery
// on one channel still go to the others.
func (e *Evaluator) EvaluateOnce(ctx context.Context) error {
	to := e.now().UTC()
	from := to.Add(-e.cfg.Window)

	for _, sig := range e.signals {
		value, err := sig.Measure(ctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to measure signal %q: %w", sig.Name, err)
		}

		active := value >= sig.Threshold
		rose, err := e.state.SetActive(ctx, sig.Name, active)
		if err != nil {
			return fmt.Errorf("failed to update trigger state for %q: %w", sig.Name, err)
		}
		if !rose {
			continue
		}

		metrics.SignalsFired.WithLabelValues(sig.Name).Inc()
		ev := Event{
			Signal:    sig.Name,
			Message:   sig.Message,
			Value:     value,
			Threshold: sig.Threshold,
			Window:    e.cfg.Window,
			At:        to,
		}
		for _, ch := range e.channels {
			if err := ch.Notify(ctx, ev); err != nil {
				e.logger.Error("failed to deliver signal",
					"signal", sig.Name,
					"error", err,
				)
			}
		}
	}
	return nil
}
