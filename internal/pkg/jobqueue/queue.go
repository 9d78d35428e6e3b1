package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollTimeout = 5 * time.Second
	dueBatchSize       = 100
)

// Handler processes one job payload.
type Handler func(ctx context.Context, payload string) error

// Queue is a Redis backed FIFO of job payloads with delayed delivery.
// Ready jobs live in a list, delayed jobs in a sorted set scored by due time.
type Queue struct {
	client      *redis.Client
	ready       string
	delayed     string
	pollTimeout time.Duration
	now         func() time.Time
}

func New(client *redis.Client, name string) *Queue {
	return &Queue{
		client:      client,
		ready:       name,
		delayed:     name + ":delayed",
		pollTimeout: defaultPollTimeout,
		now:         time.Now,
	}
}

// Push makes payload available to consumers immediately.
func (q *Queue) Push(ctx context.Context, payload string) error {
	if err := q.client.LPush(ctx, q.ready, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// PushIn makes payload available after delay.
func (q *Queue) PushIn(ctx context.Context, payload string, delay time.Duration) error {
	if delay <= 0 {
		return q.Push(ctx, payload)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Len returns the number of ready jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.ready).Result()
}

// PromoteDue moves delayed jobs whose time has come to the ready list.
// ZREM decides ownership so concurrent workers never move a job twice.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: dueBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed jobs: %w", err)
	}

	moved := 0
	for _, payload := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, payload).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.Push(ctx, payload); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Pop blocks up to the poll timeout for the next ready job. ok is false when
// nothing arrived.
func (q *Queue) Pop(ctx context.Context) (payload string, ok bool, err error) {
	res, err := q.client.BRPop(ctx, q.pollTimeout, q.ready).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop job: %w", err)
	}
	// BRPOP returns [key, value]
	return res[1], true, nil
}

// Consume runs handler for every job until ctx is cancelled. Handler errors
// are logged and the job is dropped; retries are modelled by the caller.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	log.Info().Str("queue", q.ready).Msg("Job consumer started")
	for {
		if ctx.Err() != nil {
			log.Info().Str("queue", q.ready).Msg("Job consumer stopped")
			return nil
		}

		if _, err := q.PromoteDue(ctx); err != nil {
			log.Error().Err(err).Str("queue", q.ready).Msg("Failed to promote delayed jobs")
		}

		payload, ok, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("queue", q.ready).Msg("Failed to pop job")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := handler(ctx, payload); err != nil {
			log.Error().Err(err).Str("queue", q.ready).Str("payload", payload).Msg("Job failed")
		}
	}
}
