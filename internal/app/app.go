// Package app assembles the payback engine from configuration. Shared by the
// API server and the worker.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/config"
	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/domain/payback"
	"github.com/paybackrewards/payback-api/internal/pkg/awsconfig"
	"github.com/paybackrewards/payback-api/internal/pkg/jobqueue"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
	"github.com/paybackrewards/payback-api/internal/pkg/paybackapi"
	"github.com/paybackrewards/payback-api/internal/pkg/receipt"
	"github.com/paybackrewards/payback-api/internal/pkg/storage"
)

// Runtime is the assembled engine plus the queue it schedules on.
// Queue is nil when Redis is not configured and jobs run inline.
type Runtime struct {
	Engine *payback.Engine
	Queue  *jobqueue.Queue
}

// Build wires the engine. rdb may be nil.
func Build(ctx context.Context, cfg *config.Config, db *sqlx.DB, rdb *redis.Client) (*Runtime, error) {
	receipts, err := receipt.NewGenerator(cfg.ReceiptNodeID)
	if err != nil {
		return nil, fmt.Errorf("receipt generator: %w", err)
	}

	deps := payback.Dependencies{
		Repo:       payback.NewRepository(db),
		Customers:  customer.NewRepository(db),
		Inquiries:  inquiry.NewRepository(db),
		Classifier: inquiry.NewClassifier(cfg.Engine.DeniedCategoryIdents),
		Partner: paybackapi.NewClient(
			cfg.PartnerBaseURL,
			cfg.PartnerToken,
			time.Duration(cfg.PartnerTimeoutSeconds)*time.Second,
			cfg.PartnerUserAgent,
		),
		Receipts:       receipts,
		Settings:       payback.SettingsFromConfig(cfg.Engine),
		Policy:         payback.PromotionPolicyFromConfig(cfg.Engine),
		AuditBatchSize: cfg.SanityCheckBatchSize,
	}

	if usesAWS(cfg) {
		awsCfg, err := awsconfig.Load(ctx, awsconfig.Options{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Endpoint:        cfg.AWSEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		wireAWS(cfg, awsCfg, &deps)
	}

	if deps.Reports == nil && cfg.ReportDir != "" {
		local, err := storage.NewLocalStorage(cfg.ReportDir)
		if err != nil {
			return nil, fmt.Errorf("report storage: %w", err)
		}
		deps.Reports = local
	}

	rt := &Runtime{}
	if rdb != nil {
		rt.Queue = jobqueue.New(rdb, cfg.JobQueueName)
		deps.Jobs = payback.NewQueueJobs(rt.Queue)
	} else {
		deps.Jobs = payback.NewInlineJobs()
	}

	rt.Engine = payback.NewEngine(deps)
	return rt, nil
}

func usesAWS(cfg *config.Config) bool {
	return cfg.NotificationQueue != "" || cfg.AlertTopicARN != "" || cfg.ReportBucket != ""
}

func wireAWS(cfg *config.Config, awsCfg aws.Config, deps *payback.Dependencies) {
	if cfg.NotificationQueue != "" {
		deps.Notifier = notify.NewSQSDispatcher(awsCfg, cfg.NotificationQueue)
	} else {
		log.Warn().Msg("Notification queue not configured, notifications are only logged")
	}
	if cfg.AlertTopicARN != "" {
		deps.Alerter = notify.NewSNSAlerter(awsCfg, cfg.AlertTopicARN)
	}
	if cfg.ReportBucket != "" {
		deps.Reports = storage.NewS3Storage(awsCfg, cfg.ReportBucket, cfg.AWSEndpoint)
	}
}
