package payback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/pkg/jobqueue"
)

// Jobs schedules the outbound processing of one transaction.
type Jobs interface {
	Enqueue(ctx context.Context, transactionID uuid.UUID) error
	EnqueueIn(ctx context.Context, transactionID uuid.UUID, delay time.Duration) error
}

// QueueJobs schedules through the Redis job queue.
type QueueJobs struct {
	queue *jobqueue.Queue
}

func NewQueueJobs(queue *jobqueue.Queue) *QueueJobs {
	return &QueueJobs{queue: queue}
}

func (j *QueueJobs) Enqueue(ctx context.Context, transactionID uuid.UUID) error {
	return j.queue.Push(ctx, transactionID.String())
}

func (j *QueueJobs) EnqueueIn(ctx context.Context, transactionID uuid.UUID, delay time.Duration) error {
	return j.queue.PushIn(ctx, transactionID.String(), delay)
}

// InlineJobs runs jobs in-process. Used when Redis is not configured.
type InlineJobs struct {
	run func(ctx context.Context, transactionID uuid.UUID) error
}

func NewInlineJobs() *InlineJobs {
	return &InlineJobs{}
}

// Bind sets the function executed for each job.
func (j *InlineJobs) Bind(run func(ctx context.Context, transactionID uuid.UUID) error) {
	j.run = run
}

func (j *InlineJobs) Enqueue(ctx context.Context, transactionID uuid.UUID) error {
	if j.run == nil {
		return fmt.Errorf("%w: inline jobs not bound", ErrInternal)
	}
	if err := j.run(ctx, transactionID); err != nil {
		log.Error().Err(err).Str("transaction_id", transactionID.String()).Msg("Inline job failed")
	}
	return nil
}

func (j *InlineJobs) EnqueueIn(ctx context.Context, transactionID uuid.UUID, delay time.Duration) error {
	if j.run == nil {
		return fmt.Errorf("%w: inline jobs not bound", ErrInternal)
	}
	if delay <= 0 {
		return j.Enqueue(ctx, transactionID)
	}
	detached := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		_ = j.Enqueue(detached, transactionID)
	})
	return nil
}

// JobHandler adapts Trigger to the queue consumer.
func JobHandler(outbound *Outbound) jobqueue.Handler {
	return func(ctx context.Context, payload string) error {
		id, err := uuid.Parse(payload)
		if err != nil {
			return fmt.Errorf("invalid job payload %q: %w", payload, err)
		}
		_, err = outbound.Trigger(ctx, id)
		return err
	}
}
