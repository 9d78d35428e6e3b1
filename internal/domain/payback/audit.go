package payback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/pkg/storage"
)

const auditBatchSize = 500

// CheckResult is the reconciliation outcome for one customer.
type CheckResult struct {
	MandateID      uuid.UUID `json:"mandate_id"`
	Skipped        bool      `json:"skipped"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	Matched        bool      `json:"matched"`
	ExpectedAmount int       `json:"expected_amount"`
	ActualAmount   int       `json:"actual_amount"`
	CheckedAt      time.Time `json:"checked_at"`
}

// AuditReport summarizes one reconciliation run.
type AuditReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Checked    int            `json:"checked"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Mismatches []*CheckResult `json:"mismatches"`
	ReportURL  string         `json:"-"`
}

// Auditor compares expected rewards with the customer's recorded balance.
type Auditor struct {
	customers  customer.Repository
	inquiries  inquiry.Repository
	classifier *inquiry.Classifier
	reports    storage.ReportStore
	settings   Settings
	policy     PromotionPolicy
	batchSize  int
	now        func() time.Time
}

// NewAuditor creates an auditor. reports may be nil.
func NewAuditor(customers customer.Repository, inquiries inquiry.Repository, classifier *inquiry.Classifier, reports storage.ReportStore, settings Settings, policy PromotionPolicy, batchSize int, now func() time.Time) *Auditor {
	if now == nil {
		now = time.Now
	}
	if batchSize <= 0 {
		batchSize = auditBatchSize
	}
	return &Auditor{
		customers:  customers,
		inquiries:  inquiries,
		classifier: classifier,
		reports:    reports,
		settings:   settings,
		policy:     policy,
		batchSize:  batchSize,
		now:        now,
	}
}

// CheckCustomer reconciles one customer and persists the result.
// Customers without a payback number, outside the rewardable period or
// enrolled through the promotion are skipped and nothing is persisted.
func (a *Auditor) CheckCustomer(ctx context.Context, c *customer.Customer) (*CheckResult, error) {
	now := a.now()
	result := &CheckResult{MandateID: c.ID, CheckedAt: now}

	switch {
	case !c.HasPaybackNumber():
		result.Skipped, result.SkipReason = true, "no payback number"
	case !c.InRewardablePeriod(now, a.settings.RewardablePeriodMonths):
		result.Skipped, result.SkipReason = true, "outside rewardable period"
	case a.policy.IsBlackFridayCustomer(c):
		result.Skipped, result.SkipReason = true, "black friday customer"
	}
	if result.Skipped {
		return result, nil
	}

	expected, err := a.expectedAmount(ctx, c)
	if err != nil {
		return nil, err
	}
	result.ExpectedAmount = expected
	result.ActualAmount = c.TotalPoints()
	result.Matched = expected == result.ActualAmount

	err = a.customers.SaveSanityCheckResult(ctx, c.ID, customer.SanityCheck{
		Matched:        result.Matched,
		ExpectedAmount: result.ExpectedAmount,
		CheckedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// expectedAmount sums the rewards of the customer's categories. A cancelled
// category only counts if it had been completed before.
func (a *Auditor) expectedAmount(ctx context.Context, c *customer.Customer) (int, error) {
	cats, err := a.inquiries.ListByCustomer(ctx, c.ID, c.RewardableUntil(a.settings.RewardablePeriodMonths))
	if err != nil {
		return 0, err
	}

	expected := 0
	for _, cat := range cats {
		if a.classifier.IsDenied(cat) {
			continue
		}
		if cat.IsCancelled() {
			completed, err := a.inquiries.WasCompleted(ctx, cat.ID)
			if err != nil {
				return 0, err
			}
			if !completed {
				continue
			}
		}
		expected += a.settings.DefaultPointsAmount
	}
	return expected, nil
}

// Run reconciles every payback-enabled customer. Per-customer failures are
// logged and skipped.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{StartedAt: a.now(), Mismatches: make([]*CheckResult, 0)}

	after := uuid.Nil
	for {
		batch, err := a.customers.ListPaybackEnabled(ctx, after, a.batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			result, err := a.CheckCustomer(ctx, c)
			if err != nil {
				report.Failed++
				log.Error().Err(err).Str("mandate_id", c.ID.String()).Msg("Sanity check failed")
				continue
			}
			if result.Skipped {
				report.Skipped++
				continue
			}
			report.Checked++
			if !result.Matched {
				report.Mismatches = append(report.Mismatches, result)
			}
		}

		after = batch[len(batch)-1].ID
		if len(batch) < a.batchSize {
			break
		}
	}
	report.FinishedAt = a.now()

	log.Info().
		Int("checked", report.Checked).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("mismatches", len(report.Mismatches)).
		Msg("Sanity check run finished")

	if a.reports != nil {
		if err := a.upload(ctx, report); err != nil {
			log.Error().Err(err).Msg("Failed to upload sanity check report")
		}
	}
	return report, nil
}

func (a *Auditor) upload(ctx context.Context, report *AuditReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := fmt.Sprintf("sanity-checks/%s.json", report.StartedAt.UTC().Format("2006-01-02T150405Z"))
	if err := a.reports.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return err
	}
	report.ReportURL = a.reports.GetURL(key)
	return nil
}
