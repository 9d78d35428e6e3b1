package payback

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
	"github.com/paybackrewards/payback-api/internal/pkg/storage"
)

// Dependencies are the collaborators of the engine. Reports may be nil.
type Dependencies struct {
	Repo       Repository
	Customers  customer.Repository
	Inquiries  inquiry.Repository
	Classifier *inquiry.Classifier
	Partner    PartnerClient
	Notifier   notify.Dispatcher
	Alerter    notify.Alerter
	Reports    storage.ReportStore
	Jobs       Jobs
	Receipts   ReceiptGenerator
	Settings   Settings
	Policy     PromotionPolicy

	AuditBatchSize int
	Now            func() time.Time
}

// Engine wires the transaction lifecycle services together.
type Engine struct {
	Repo      Repository
	Customers customer.Repository

	Gate     *Gate
	Factory  *Factory
	Refunds  *Refunds
	Outbound *Outbound
	Retries  *Retries
	Auditor  *Auditor
	Sweeper  *Sweeper
	Rewards  *RewardService
}

func NewEngine(d Dependencies) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogDispatcher{}
	}
	if d.Alerter == nil {
		d.Alerter = notify.LogAlerter{}
	}
	if d.Jobs == nil {
		d.Jobs = NewInlineJobs()
	}

	gate := NewGate(d.Repo, d.Customers, d.Jobs, d.Settings, d.Policy)
	factory := NewFactory(d.Repo, d.Customers, gate, d.Receipts, d.Settings, d.Now)
	refunds := NewRefunds(d.Repo, d.Customers, gate, factory, d.Settings, d.Policy, d.Now)
	outbound := NewOutbound(d.Repo, d.Customers, d.Inquiries, d.Classifier, d.Partner, d.Notifier, gate, d.Now)

	if inline, ok := d.Jobs.(*InlineJobs); ok {
		inline.Bind(func(ctx context.Context, id uuid.UUID) error {
			_, err := outbound.Trigger(ctx, id)
			return err
		})
	}

	return &Engine{
		Repo:      d.Repo,
		Customers: d.Customers,
		Gate:      gate,
		Factory:   factory,
		Refunds:   refunds,
		Outbound:  outbound,
		Retries:   NewRetries(d.Repo, d.Customers, d.Inquiries, gate, d.Alerter, d.Settings, d.Now),
		Auditor:   NewAuditor(d.Customers, d.Inquiries, d.Classifier, d.Reports, d.Settings, d.Policy, d.AuditBatchSize, d.Now),
		Sweeper:   NewSweeper(d.Repo, d.Customers, gate, refunds, d.Notifier, d.Settings, d.Now),
		Rewards:   NewRewardService(d.Repo, d.Customers, d.Inquiries, d.Classifier, factory, refunds, d.Settings, d.Policy, d.Now),
	}
}
