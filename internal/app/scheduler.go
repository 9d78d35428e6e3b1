package app

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/config"
	"github.com/paybackrewards/payback-api/internal/domain/payback"
)

// sweep is one periodic maintenance pass.
type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

func sweeps(cfg *config.Config, engine *payback.Engine) []sweep {
	return []sweep{
		{"unlock-expired", cfg.UnlockSweepInterval, engine.Sweeper.UnlockExpired},
		{"cleanup-waiting", cfg.CleanupSweepInterval, engine.Sweeper.CleanupWaiting},
		{"promote-waiting", cfg.PromotionSweepInterval, engine.Sweeper.PromoteAllWaiting},
		{"refund-revoked", cfg.RevokedRefundInterval, engine.Sweeper.RefundRevokedCustomers},
		{"sanity-check", cfg.SanityCheckInterval, func(ctx context.Context) (int, error) {
			report, err := engine.Auditor.Run(ctx)
			if err != nil {
				return 0, err
			}
			return report.Checked, nil
		}},
	}
}

// NewScheduler registers every sweep as a singleton duration job. A run that
// overlaps the previous one is skipped, not queued.
func NewScheduler(ctx context.Context, cfg *config.Config, engine *payback.Engine) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	for _, sw := range sweeps(cfg, engine) {
		if sw.interval <= 0 {
			log.Warn().Str("job", sw.name).Msg("Sweep disabled")
			continue
		}
		sw := sw
		_, err := s.NewJob(
			gocron.DurationJob(sw.interval),
			gocron.NewTask(func() {
				start := time.Now()
				n, err := sw.run(ctx)
				if err != nil {
					log.Error().Err(err).Str("job", sw.name).Msg("Sweep failed")
					return
				}
				log.Info().Str("job", sw.name).Int("processed", n).Dur("duration", time.Since(start)).Msg("Sweep finished")
			}),
			gocron.WithName(sw.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, err
		}
	}
	return s, nil
}
