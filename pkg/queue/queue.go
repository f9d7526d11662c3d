package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueVideoProcessing is the single queue this pipeline operates on.
	QueueVideoProcessing = "video-processing"
	// MaxRetries is the number of attempts before a job moves to the dead-letter list.
	MaxRetries = 3
	// RetryBackoff is the delay the worker observes after a transient failure.
	RetryBackoff = 10 * time.Second
	// jobRecordTTL bounds how long completed/failed job records are kept.
	jobRecordTTL = 24 * time.Hour
)

// JobType identifies the job kind.
type JobType string

// JobTypeMergeSession merges one session's uploaded segments into final artifacts.
const JobTypeMergeSession JobType = "merge_session"

// Job lifecycle states recorded in the broker.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MergePayload is the payload for merge_session jobs.
type MergePayload struct {
	SessionID string `json:"session_id"`
}

// Job is the queue envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`

	// raw is the wire form the job was dequeued with, needed to remove it from
	// the consumer's processing list.
	raw string
}

// Queue is a durable FIFO work queue on Redis. Jobs are moved into a
// per-consumer processing list while active so a crashed consumer's jobs can be
// reclaimed once its heartbeat expires.
type Queue struct {
	client *redis.Client
	name   string
	stall  time.Duration
	logger *zap.Logger
}

// NewQueue creates a broker-backed queue. stallThreshold controls how long a
// consumer may go without a heartbeat before its in-flight jobs are redelivered.
func NewQueue(client *redis.Client, name string, stallThreshold time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = QueueVideoProcessing
	}
	if stallThreshold <= 0 {
		stallThreshold = 30 * time.Second
	}
	return &Queue{client: client, name: name, stall: stallThreshold, logger: logger}
}

func (q *Queue) waitingKey() string            { return "queue:" + q.name }
func (q *Queue) dlqKey() string                { return "queue:" + q.name + ":dlq" }
func (q *Queue) consumersKey() string          { return "queue:" + q.name + ":consumers" }
func (q *Queue) processingKey(c string) string { return "queue:" + q.name + ":processing:" + c }
func (q *Queue) heartbeatKey(c string) string  { return "queue:" + q.name + ":hb:" + c }
func (q *Queue) jobKey(id string) string       { return "queue:" + q.name + ":job:" + id }

// Enqueue durably records a merge job and returns its id. The call returns as
// soon as the broker has accepted the push.
func (q *Queue) Enqueue(ctx context.Context, payload MergePayload) (string, error) {
	if payload.SessionID == "" {
		return "", fmt.Errorf("enqueue: empty session id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeMergeSession,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.waitingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusWaiting)
	q.client.Expire(ctx, q.jobKey(job.ID), jobRecordTTL)
	q.logger.Debug("enqueued merge job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID))
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job and claims it for consumer.
// Returns (nil, nil) when the queue stayed empty for the whole timeout.
func (q *Queue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Job, error) {
	if err := q.client.SAdd(ctx, q.consumersKey(), consumer).Err(); err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}
	if err := q.Heartbeat(ctx, consumer); err != nil {
		return nil, err
	}

	raw, err := q.client.BLMove(ctx, q.waitingKey(), q.processingKey(consumer), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Drop the malformed entry so it cannot wedge the processing list.
		q.client.LRem(ctx, q.processingKey(consumer), 1, raw)
		q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
		return nil, nil
	}
	job.raw = raw
	q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusActive, "consumer", consumer)
	return &job, nil
}

// Heartbeat refreshes the consumer's liveness marker. A job held by a consumer
// whose heartbeat has expired is considered stalled.
func (q *Queue) Heartbeat(ctx context.Context, consumer string) error {
	return q.client.Set(ctx, q.heartbeatKey(consumer), time.Now().Unix(), q.stall).Err()
}

// Ack acknowledges successful completion and records the job result.
func (q *Queue) Ack(ctx context.Context, consumer string, job *Job, result any) error {
	if err := q.client.LRem(ctx, q.processingKey(consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	fields := []any{"status", StatusCompleted}
	if result != nil {
		if body, err := json.Marshal(result); err == nil {
			fields = append(fields, "result", string(body))
		}
	}
	q.client.HSet(ctx, q.jobKey(job.ID), fields...)
	q.client.Expire(ctx, q.jobKey(job.ID), jobRecordTTL)
	q.logger.Info("job completed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Fail terminally fails the job, recording the error. The job is not requeued;
// re-enqueueing is left to an operator or an external process.
func (q *Queue) Fail(ctx context.Context, consumer string, job *Job, jobErr error) error {
	if err := q.client.LRem(ctx, q.processingKey(consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusFailed, "error", jobErr.Error())
	q.client.Expire(ctx, q.jobKey(job.ID), jobRecordTTL)
	q.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(jobErr))
	return nil
}

// Unclaim returns a claimed job to the waiting list unchanged. Used when a
// consumer shuts down before starting the job: no work was attempted, so the
// attempt counter must not move toward the dead-letter threshold.
func (q *Queue) Unclaim(ctx context.Context, consumer string, job *Job) error {
	if err := q.client.LRem(ctx, q.processingKey(consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	if err := q.client.RPush(ctx, q.waitingKey(), job.raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusWaiting)
	q.logger.Info("job returned to queue", zap.String("job_id", job.ID))
	return nil
}

// Retry re-enqueues a job with an incremented attempt counter. Once the job has
// reached MaxRetries attempts it is moved to the dead-letter list instead.
func (q *Queue) Retry(ctx context.Context, consumer string, job *Job, jobErr error) error {
	if err := q.client.LRem(ctx, q.processingKey(consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, q.dlqKey(), raw).Err(); err != nil {
			return fmt.Errorf("dlq push: %w", err)
		}
		q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusFailed, "error", jobErr.Error())
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(jobErr))
		return nil
	}
	if err := q.client.RPush(ctx, q.waitingKey(), raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.client.HSet(ctx, q.jobKey(job.ID), "status", StatusWaiting)
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(jobErr))
	return nil
}

// ReclaimStalled moves jobs held by consumers with expired heartbeats back to
// the waiting list and returns how many jobs were redelivered.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers: %w", err)
	}
	reclaimed := 0
	for _, consumer := range consumers {
		alive, err := q.client.Exists(ctx, q.heartbeatKey(consumer)).Result()
		if err != nil {
			return reclaimed, err
		}
		if alive > 0 {
			continue
		}
		for {
			raw, err := q.client.LMove(ctx, q.processingKey(consumer), q.waitingKey(), "LEFT", "RIGHT").Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return reclaimed, err
			}
			reclaimed++
			q.logger.Warn("stalled job redelivered", zap.String("consumer", consumer), zap.String("raw", raw))
		}
		q.client.SRem(ctx, q.consumersKey(), consumer)
	}
	return reclaimed, nil
}
