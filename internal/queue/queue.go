// Package queue serializes trade dispatches. One worker pulls jobs in FIFO
// order and executes them one at a time: the external quota is global, so
// serializing here keeps every other component free of per-call
// coordination.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skinvault-gg/skinvault/internal/metrics"
	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/steam"
)

// JobStatus is a job's position in its own small lifecycle.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobSucceeded       JobStatus = "succeeded"
	JobFailedRetryable JobStatus = "failed-retryable"
	JobFailedTerminal  JobStatus = "failed-terminal"
	JobCancelled       JobStatus = "cancelled"
)

// Job is one queued dispatch request. The handle stays valid after the job
// reaches a terminal status.
type Job struct {
	ID  string
	Req pool.TradeRequest

	mu       sync.Mutex
	status   JobStatus
	attempts int
}

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Settled reports whether the job has reached a terminal status.
func (j *Job) Settled() bool {
	switch j.Status() {
	case JobSucceeded, JobFailedTerminal, JobCancelled:
		return true
	}
	return false
}

// Attempts returns how many dispatch attempts have run.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Cancel withdraws the job if it has not started. A job already handed to
// the external API cannot be cancelled, only compensated after the fact.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobQueued {
		return false
	}
	j.status = JobCancelled
	return true
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// begin moves queued -> processing; it refuses cancelled jobs.
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobQueued {
		return false
	}
	j.status = JobProcessing
	j.attempts++
	return true
}

// Limiter is the admission gate consulted before every dispatch attempt.
type Limiter interface {
	WaitForSlot(ctx context.Context) error
}

// Dispatcher executes one trade; the pool implements it.
type Dispatcher interface {
	DispatchTrade(ctx context.Context, req pool.TradeRequest) (pool.DispatchResult, error)
}

// Reporter receives job outcomes; the escrow bridge implements it.
// JobRetried fires once per rescheduled attempt, before the backoff.
type Reporter interface {
	JobSucceeded(ctx context.Context, tradeID, offerID string)
	JobFailed(ctx context.Context, tradeID string, cause error)
	JobRetried(ctx context.Context, tradeID string)
}

// Config holds the queue's retry policy.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Queue is the single-worker dispatch queue.
type Queue struct {
	cfg        Config
	limiter    Limiter
	dispatcher Dispatcher
	reporter   Reporter

	mu      sync.Mutex
	pending []*Job
	wake    chan struct{}
}

// New creates an empty queue. Run must be started for jobs to execute.
func New(cfg Config, limiter Limiter, dispatcher Dispatcher, reporter Reporter) *Queue {
	return &Queue{
		cfg:        cfg,
		limiter:    limiter,
		dispatcher: dispatcher,
		reporter:   reporter,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue adds a dispatch request and returns its handle. Never blocks.
func (q *Queue) Enqueue(req pool.TradeRequest) *Job {
	j := &Job{
		ID:     uuid.New().String(),
		Req:    req,
		status: JobQueued,
	}
	q.push(j)
	return j
}

// Depth reports how many jobs are waiting (not the one processing).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) push(j *Job) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j
}

// Run is the worker loop. It blocks until ctx is cancelled, sleeping while
// no jobs are pending.
func (q *Queue) Run(ctx context.Context) {
	for {
		j := q.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if !j.begin() {
			// Cancelled while queued; drop silently.
			continue
		}
		q.process(ctx, j)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// process runs one attempt of one job and settles or reschedules it.
func (q *Queue) process(ctx context.Context, j *Job) {
	if err := q.limiter.WaitForSlot(ctx); err != nil {
		// Only context cancellation reaches here; park the job for a
		// successor worker rather than losing it.
		j.setStatus(JobQueued)
		q.push(j)
		return
	}

	res, err := q.dispatcher.DispatchTrade(ctx, j.Req)
	if err == nil {
		j.setStatus(JobSucceeded)
		metrics.Dispatches.WithLabelValues("succeeded").Inc()
		log.Printf("[queue] job %s: trade %s dispatched, offer %s", j.ID, j.Req.TradeID, res.OfferID)
		q.reporter.JobSucceeded(ctx, j.Req.TradeID, res.OfferID)
		return
	}

	if !retryable(err) {
		q.settleFailed(ctx, j, err)
		return
	}
	if j.Attempts() >= q.cfg.MaxAttempts {
		q.settleFailed(ctx, j, errors.New("attempts exhausted: "+err.Error()))
		return
	}

	j.setStatus(JobFailedRetryable)
	metrics.Dispatches.WithLabelValues("retried").Inc()
	q.reporter.JobRetried(ctx, j.Req.TradeID)
	log.Printf("[queue] job %s: attempt %d/%d failed, retrying in %s: %v",
		j.ID, j.Attempts(), q.cfg.MaxAttempts, q.cfg.RetryBackoff, err)
	time.AfterFunc(q.cfg.RetryBackoff, func() {
		j.setStatus(JobQueued)
		q.push(j)
	})
}

func (q *Queue) settleFailed(ctx context.Context, j *Job, cause error) {
	j.setStatus(JobFailedTerminal)
	metrics.Dispatches.WithLabelValues("failed").Inc()
	log.Printf("[queue] job %s: trade %s failed terminally: %v", j.ID, j.Req.TradeID, cause)
	q.reporter.JobFailed(ctx, j.Req.TradeID, cause)
}

// retryable classifies a dispatch failure. Transient transport trouble, a
// momentarily empty pool, and an unreachable fraud gate all deserve another
// attempt; everything else is terminal.
func retryable(err error) bool {
	if errors.Is(err, pool.ErrNoAgentAvailable) || errors.Is(err, pool.ErrGateUnavailable) {
		return true
	}
	return steam.IsTransient(err)
}
