package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/types"
)

// RedisClient is the slice of go-redis the consumer uses. Narrow so tests
// can fake it without a server.
type RedisClient interface {
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Options configures a queue consumer.
type Options struct {
	Client RedisClient

	// QueueName is the pending-jobs list.
	QueueName string

	// WorkerID names this worker's processing list, so an operator can see
	// which worker holds which job and reapers can recover from dead
	// workers.
	WorkerID string

	// VisibilityTimeout is the claim TTL. A job whose claim expires without
	// a result is eligible for redelivery.
	VisibilityTimeout time.Duration

	// PollInterval bounds one blocking pop, so the consumer notices
	// context cancellation promptly.
	PollInterval time.Duration

	Logger zerolog.Logger
}

// Delivery is one job pulled from the queue, together with the raw payload
// needed to settle it on the processing list.
type Delivery struct {
	Job     *types.Job
	payload string
}

// Consumer pulls jobs from a Redis list queue with at-least-once delivery.
// BLMOVE makes the pop and the processing-list insert one atomic step, so
// a worker crash never loses a job; it only delays it until the claim
// expires.
type Consumer struct {
	client            RedisClient
	queueKey          string
	processingKey     string
	resultsKey        string
	workerID          string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	logger            zerolog.Logger
}

// NewConsumer builds a consumer for one worker.
func NewConsumer(opts Options) *Consumer {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Consumer{
		client:            opts.Client,
		queueKey:          opts.QueueName,
		processingKey:     opts.QueueName + ":processing:" + opts.WorkerID,
		resultsKey:        opts.QueueName + ":results",
		workerID:          opts.WorkerID,
		visibilityTimeout: opts.VisibilityTimeout,
		pollInterval:      pollInterval,
		logger:            opts.Logger.With().Str("component", "queue").Logger(),
	}
}

func (c *Consumer) claimKey(jobID string) string {
	return c.queueKey + ":claim:" + jobID
}

func (c *Consumer) attemptsKey(jobID string) string {
	return c.queueKey + ":attempts:" + jobID
}

// Next blocks until a job is available or ctx is done. The returned
// delivery sits on this worker's processing list under a visibility claim;
// the caller must settle it with Complete or Requeue.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := c.client.BLMove(ctx, c.queueKey, c.processingKey, "right", "left", c.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to pop job from queue: %w", err)
		}

		var job types.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// A malformed payload would otherwise be redelivered forever.
			c.logger.Error().Err(err).Str("payload", payload).Msg("Dropping undecodable job payload")
			_ = c.client.LRem(ctx, c.processingKey, 1, payload).Err()
			continue
		}

		attempt, err := c.client.Incr(ctx, c.attemptsKey(job.ID)).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to count delivery attempt")
			attempt = 1
		}
		job.Attempt = int(attempt)

		// The counter must outlive the claim so redeliveries keep counting,
		// but not survive forever when a crashed worker abandons the job.
		if err := c.client.Expire(ctx, c.attemptsKey(job.ID), 3*c.visibilityTimeout).Err(); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to set attempt counter expiry")
		}

		if err := c.client.Set(ctx, c.claimKey(job.ID), c.workerID, c.visibilityTimeout).Err(); err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}

		c.logger.Info().
			Str("job_id", job.ID).
			Int("attempt", job.Attempt).
			Msg("Pulled job from queue")
		return &Delivery{Job: &job, payload: payload}, nil
	}
}

// Extend refreshes the delivery's visibility claim. Called periodically
// while a long execution runs.
func (c *Consumer) Extend(ctx context.Context, d *Delivery) error {
	ok, err := c.client.Expire(ctx, c.claimKey(d.Job.ID), c.visibilityTimeout).Result()
	if err != nil {
		return fmt.Errorf("failed to extend claim for job %s: %w", d.Job.ID, err)
	}
	if !ok {
		return fmt.Errorf("claim for job %s no longer exists", d.Job.ID)
	}
	return nil
}

// Complete publishes the result and settles the delivery. Pushing the
// result first means a crash between the two steps yields a duplicate
// delivery, never a lost result.
func (c *Consumer) Complete(ctx context.Context, d *Delivery, result *types.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", d.Job.ID, err)
	}

	if err := c.client.LPush(ctx, c.resultsKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish result for job %s: %w", d.Job.ID, err)
	}
	return c.Settle(ctx, d)
}

// Settle removes the delivery from the processing list and releases its
// claim without publishing anything. Used when the result for this attempt
// was already published before a crash.
func (c *Consumer) Settle(ctx context.Context, d *Delivery) error {
	if err := c.client.LRem(ctx, c.processingKey, 1, d.payload).Err(); err != nil {
		return fmt.Errorf("failed to settle job %s: %w", d.Job.ID, err)
	}
	if err := c.client.Del(ctx, c.claimKey(d.Job.ID), c.attemptsKey(d.Job.ID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", d.Job.ID).Msg("Failed to release claim")
	}
	return nil
}

// Requeue pushes an unstarted delivery back onto the pending queue. Used
// while draining, so jobs accepted but never begun go to another worker
// instead of waiting out the visibility timeout.
func (c *Consumer) Requeue(ctx context.Context, d *Delivery) error {
	if err := c.client.LPush(ctx, c.queueKey, d.payload).Err(); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", d.Job.ID, err)
	}
	if err := c.client.LRem(ctx, c.processingKey, 1, d.payload).Err(); err != nil {
		return fmt.Errorf("failed to settle requeued job %s: %w", d.Job.ID, err)
	}
	if err := c.client.Del(ctx, c.claimKey(d.Job.ID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", d.Job.ID).Msg("Failed to release claim")
	}
	return nil
}
