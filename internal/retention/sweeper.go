package retention

import (
	"context"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/metrics"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Sweeper enforces per-store retention horizons. Each store ages out on its
// own clock; in particular the daily rollups outlive the canonical records
// they were folded from by an order of magnitude, so historical trends stay
// queryable long after the raw rows are gone.
type Sweeper struct {
	cfg    config.RetentionConfig
	repo   repository.Repository
	logger *logging.Logger
	now    func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(cfg config.RetentionConfig, repo repository.Repository, logger *logging.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, repo: repo, logger: logger, now: time.Now}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep runs immediately so a restart never extends a horizon.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce applies every horizon once. A failing store is logged and
// skipped; the others still sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.now().UTC()

	sweeps := []struct {
		store   string
		horizon time.Duration
		run     func(context.Context, time.Time) (int64, error)
	}{
		{"staging", s.cfg.Staging, s.repo.DeleteBatchesBefore},
		{"canonical", s.cfg.Canonical, s.repo.DeleteObservationsBefore},
		{"dead_letter", s.cfg.DeadLetter, s.repo.DeleteDeadLettersBefore},
		{"aggregate", s.cfg.Aggregate, s.repo.DeleteDailyBefore},
	}

	for _, sw := range sweeps {
		if sw.horizon <= 0 {
			continue
		}
		cutoff := now.Add(-sw.horizon)
		removed, err := sw.run(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention sweep failed", "store", sw.store, "error", err)
			continue
		}
		if removed > 0 {
			metrics.RecordsReclaimed.WithLabelValues(sw.store).Add(float64(removed))
			s.logger.Info("retention sweep reclaimed rows",
				"store", sw.store,
				"removed", removed,
				"cutoff", cutoff.Format(time.RFC3339),
			)
		}
	}
}
