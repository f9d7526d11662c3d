package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivora/studio-backend/internal/merge"
	"github.com/rivora/studio-backend/internal/models"
	"github.com/rivora/studio-backend/internal/sessions"
	"github.com/rivora/studio-backend/pkg/mailer"
	"github.com/rivora/studio-backend/pkg/queue"
)

// SessionStore is the document-store surface the merge worker needs.
type SessionStore interface {
	CompleteMerge(ctx context.Context, id string, res sessions.MergeResult) (*models.SessionWithHost, error)
}

// Broker is the queue consumption surface the merge worker needs.
type Broker interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*queue.Job, error)
	Heartbeat(ctx context.Context, consumer string) error
	Ack(ctx context.Context, consumer string, job *queue.Job, result any) error
	Fail(ctx context.Context, consumer string, job *queue.Job, jobErr error) error
	Retry(ctx context.Context, consumer string, job *queue.Job, jobErr error) error
	Unclaim(ctx context.Context, consumer string, job *queue.Job) error
	ReclaimStalled(ctx context.Context) (int, error)
}

// Config holds merge worker settings.
type Config struct {
	FrontendBaseURL string
	PollInterval    time.Duration // dequeue block timeout and reclaim cadence
	HeartbeatEvery  time.Duration // heartbeat cadence while a job is running
	RetryPause      time.Duration // pause after a transient job failure
}

// MergeWorker consumes merge_session jobs: run the external merge routine,
// persist the artifact URLs on the session, and notify the session host.
type MergeWorker struct {
	store    SessionStore
	proc     merge.Processor
	mail     mailer.Mailer
	broker   Broker
	limiter  queue.Limiter
	cfg      Config
	consumer string
	logger   *zap.Logger
}

// NewMergeWorker creates a merge worker with explicitly passed dependencies.
func NewMergeWorker(store SessionStore, proc merge.Processor, mail mailer.Mailer, broker Broker, limiter queue.Limiter, cfg Config, logger *zap.Logger) *MergeWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = cfg.PollInterval
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = queue.RetryBackoff
	}
	host, _ := os.Hostname()
	return &MergeWorker{
		store:    store,
		proc:     proc,
		mail:     mail,
		broker:   broker,
		limiter:  limiter,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		logger:   logger,
	}
}

// Process executes one merge job. Safe to run twice for the same session: the
// session update is absolute, so a redelivered job converges to the same final
// state; the notification is at-least-once.
func (w *MergeWorker) Process(ctx context.Context, job *queue.Job) (merge.Result, error) {
	if job.Type != queue.JobTypeMergeSession {
		return merge.Result{}, fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.MergePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return merge.Result{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionID == "" {
		return merge.Result{}, fmt.Errorf("empty session id")
	}

	w.logger.Info("processing session", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID))
	res, err := w.proc.ProcessSession(ctx, payload.SessionID)
	if err != nil {
		return merge.Result{}, fmt.Errorf("merge session %s: %w", payload.SessionID, err)
	}

	session, err := w.store.CompleteMerge(ctx, payload.SessionID, sessions.MergeResult{
		HostURL:   res.HostURL,
		GuestURL:  res.GuestURL,
		MergedURL: res.MergedURL,
	})
	if err != nil {
		return merge.Result{}, fmt.Errorf("update session %s: %w", payload.SessionID, err)
	}
	if session.Host == nil {
		return merge.Result{}, fmt.Errorf("session %s: %w", payload.SessionID, sessions.ErrHostNotFound)
	}

	link := sessionLink(w.cfg.FrontendBaseURL, payload.SessionID)
	body, err := notificationBody(session.Host.Name, link)
	if err != nil {
		return merge.Result{}, err
	}
	if err := w.mail.Send(ctx, mailer.Message{
		To:      session.Host.Email,
		Subject: notificationSubject,
		HTML:    body,
	}); err != nil {
		return merge.Result{}, fmt.Errorf("notify host %s: %w", session.Host.Email, err)
	}

	w.logger.Info("session merged and host notified",
		zap.String("session_id", payload.SessionID),
		zap.String("host_email", session.Host.Email))
	return res, nil
}

// terminal reports whether a job error should fail immediately instead of
// being retried: missing documents will not appear on a retry.
func terminal(err error) bool {
	return errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrHostNotFound)
}

// Run is the worker loop: reclaim stalled jobs in the background, then
// dequeue, rate-limit job starts, process, and ack/fail/retry. Returns when
// ctx is canceled.
func (w *MergeWorker) Run(ctx context.Context) {
	go w.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("merge worker stopping")
			return
		default:
		}

		job, err := w.broker.Dequeue(ctx, w.consumer, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue error", zap.Error(err))
			sleepCtx(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if !w.waitForSlot(ctx) {
			// Shutting down with a claimed job that never started: hand it back
			// without consuming an attempt.
			if reErr := w.broker.Unclaim(context.Background(), w.consumer, job); reErr != nil {
				w.logger.Error("requeue on shutdown failed", zap.Error(reErr))
			}
			return
		}

		w.runJob(ctx, job)
	}
}

// runJob processes a single claimed job with a heartbeat running alongside.
func (w *MergeWorker) runJob(ctx context.Context, job *queue.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx)
	defer stopHeartbeat()

	res, err := w.Process(ctx, job)
	if err != nil {
		if terminal(err) {
			if fErr := w.broker.Fail(ctx, w.consumer, job, err); fErr != nil {
				w.logger.Error("record failure failed", zap.String("job_id", job.ID), zap.Error(fErr))
			}
			return
		}
		if rErr := w.broker.Retry(ctx, w.consumer, job, err); rErr != nil {
			w.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(rErr))
		}
		sleepCtx(ctx, w.cfg.RetryPause)
		return
	}

	if err := w.broker.Ack(ctx, w.consumer, job, res); err != nil {
		w.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// waitForSlot blocks until the rate limiter admits one more job start.
// Returns false if ctx ended first.
func (w *MergeWorker) waitForSlot(ctx context.Context) bool {
	for {
		ok, retryAfter, err := w.limiter.Allow(ctx)
		if err != nil {
			w.logger.Warn("rate limiter error", zap.Error(err))
			retryAfter = time.Second
		} else if ok {
			return true
		}
		if retryAfter <= 0 {
			retryAfter = 50 * time.Millisecond
		}
		if !sleepCtx(ctx, retryAfter) {
			return false
		}
	}
}

func (w *MergeWorker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.broker.Heartbeat(ctx, w.consumer); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *MergeWorker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.broker.ReclaimStalled(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("reclaim stalled jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Info("redelivered stalled jobs", zap.Int("count", n))
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
