package payback

import (
	"time"

	"github.com/paybackrewards/payback-api/internal/config"
	"github.com/paybackrewards/payback-api/internal/domain/customer"
)

// Settings are the engine limits and business constants.
type Settings struct {
	// MaxActiveTransactions is the soft queueing threshold of the gate.
	MaxActiveTransactions int
	// MaxBookTransactionsCount is the hard per-customer ceiling.
	MaxBookTransactionsCount    int
	MaxRetriesCount             int
	DefaultLockingInterval      time.Duration
	RewardablePeriodMonths      int
	DefaultPointsAmount         int
	StaleEffectiveDateThreshold time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxActiveTransactions:       1,
		MaxBookTransactionsCount:    10,
		MaxRetriesCount:             3,
		DefaultLockingInterval:      30 * 24 * time.Hour,
		RewardablePeriodMonths:      6,
		DefaultPointsAmount:         750,
		StaleEffectiveDateThreshold: 30 * 24 * time.Hour,
	}
}

func SettingsFromConfig(cfg config.EngineConfig) Settings {
	s := DefaultSettings()
	if cfg.MaxActiveTransactions > 0 {
		s.MaxActiveTransactions = cfg.MaxActiveTransactions
	}
	if cfg.MaxBookTransactionsCount > 0 {
		s.MaxBookTransactionsCount = cfg.MaxBookTransactionsCount
	}
	if cfg.MaxRetriesCount > 0 {
		s.MaxRetriesCount = cfg.MaxRetriesCount
	}
	if cfg.DefaultLockingInterval > 0 {
		s.DefaultLockingInterval = cfg.DefaultLockingInterval
	}
	if cfg.RewardablePeriodMonths > 0 {
		s.RewardablePeriodMonths = cfg.RewardablePeriodMonths
	}
	if cfg.DefaultPointsAmount > 0 {
		s.DefaultPointsAmount = cfg.DefaultPointsAmount
	}
	if cfg.StaleEffectiveDateThreshold > 0 {
		s.StaleEffectiveDateThreshold = cfg.StaleEffectiveDateThreshold
	}
	return s
}

// PromotionPolicy describes the time-boxed black-friday promotion. Customers
// whose mandate was accepted inside the window keep their enrollment after
// the promotion is switched off; Enabled only gates new bonus bookings.
type PromotionPolicy struct {
	Enabled     bool
	Start       time.Time
	End         time.Time
	MaxActive   int
	BonusPoints int
}

func PromotionPolicyFromConfig(cfg config.EngineConfig) PromotionPolicy {
	return PromotionPolicy{
		Enabled:     cfg.BlackFridayEnabled,
		Start:       cfg.BlackFridayStart,
		End:         cfg.BlackFridayEnd,
		MaxActive:   cfg.BlackFridayMaxActive,
		BonusPoints: cfg.BlackFridayBonus,
	}
}

// IsBlackFridayCustomer reports whether c was enrolled through the promotion.
func (p PromotionPolicy) IsBlackFridayCustomer(c *customer.Customer) bool {
	if c == nil || !c.AcceptedAt.Valid || p.Start.IsZero() || p.End.IsZero() {
		return false
	}
	at := c.AcceptedAt.Time
	return !at.Before(p.Start) && !at.After(p.End)
}

// MaxActiveFor returns the number of concurrently active book transactions
// allowed for c.
func (p PromotionPolicy) MaxActiveFor(c *customer.Customer, base int) int {
	if p.IsBlackFridayCustomer(c) && p.MaxActive > base {
		return p.MaxActive
	}
	return base
}
