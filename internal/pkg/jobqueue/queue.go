package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mayone/pledges/internal/pkg/config"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobStatsKey      = "job_stats"
	JobDelayedKey    = "job_delayed"
	JobDeadKey       = "job_dead"
	JobDoneKeyPrefix = "job_done:"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
	DoneMarkerTTL     = 7 * 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobNotDead  = errors.New("job is not dead-lettered")
)

// Handler executes one job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Alerter is the operator channel for jobs that need a human.
type Alerter interface {
	JobExhausted(ctx context.Context, job *Job)
	DeadLettersPending(ctx context.Context, count int64)
}

// Options tunes worker count, retry budget and timing.
type Options struct {
	Workers       int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
	PromoteEvery  time.Duration
}

// OptionsFromConfig maps the job section of the service config.
func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
		RetryMax:   cfg.RetryMax,
		StuckAfter: cfg.StuckAfter,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3 // Default number of workers
	}
	// MaxRetries counts attempts; one attempt means no retry.
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.PromoteEvery <= 0 {
		o.PromoteEvery = time.Second
	}
	return o
}

// Backoff returns the delay before retry number n (1-based): base doubled
// per attempt, capped at max.
func (o Options) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := o.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= o.RetryMax {
			return o.RetryMax
		}
	}
	if d > o.RetryMax {
		return o.RetryMax
	}
	return d
}

// Moves due ids from the delayed set to the pending list in one step so a
// crash cannot drop or duplicate them.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// Queue manages background jobs using Redis
type Queue struct {
	client     redis.Cmdable
	opts       Options
	handlers   map[JobType]Handler
	alerter    Alerter
	workerPool chan struct{}
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue
func NewQueue(client redis.Cmdable, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client:     client,
		opts:       opts,
		handlers:   make(map[JobType]Handler),
		alerter:    LogAlerter{},
		workerPool: make(chan struct{}, opts.Workers),
		stopCh:     make(chan struct{}),
	}
}

// Handle registers the handler for a job type. Must be called before Start.
func (q *Queue) Handle(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// SetAlerter replaces the default log-only alerter.
func (q *Queue) SetAlerter(a Alerter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a != nil {
		q.alerter = a
	}
}

func (q *Queue) Alerter() Alerter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.alerter
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	log.Infof("[JobQueue] Starting %d workers", q.opts.Workers)

	// Initialize worker pool
	q.workerPool = make(chan struct{}, q.opts.Workers)
	for i := 0; i < q.opts.Workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	// Start stuck-processing sweeper (recovers jobs stuck in processing due to crashes)
	q.wg.Add(1)
	go q.stuckSweeper(ctx)

	q.wg.Add(1)
	go q.delayedPromoter(ctx)
}

// Stop stops the job queue workers. Jobs already running finish first.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.cancel()
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning reports whether workers are active.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than StuckAfter
func (q *Queue) stuckSweeper(ctx context.Context) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", q.opts.StuckAfter, q.opts.SweepInterval)
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if _, err := q.SweepStuck(ctx, time.Now()); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			}
		}
	}
}

// SweepStuck requeues jobs that have sat in the processing list longer than
// StuckAfter, which happens when a worker dies mid-job. It returns the
// number of recovered jobs.
func (q *Queue) SweepStuck(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing; remove from processing list
			if !errors.Is(err, ErrJobNotFound) {
				log.Errorf("[JobQueue] Sweeper read error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			// Clean up stray entry
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		// Determine when processing started
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if started.IsZero() {
			started = job.CreatedAt
		}
		if now.Sub(started) <= q.opts.StuckAfter {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		if err := q.requeueJob(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) delayedPromoter(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PromoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Delayed promoter error: %v", err)
			}
		}
	}
}

// PromoteDue moves retries whose backoff has elapsed back to the pending
// list and returns how many moved.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{JobDelayedKey, JobQueueKey},
		strconv.FormatInt(now.UnixMilli(), 10), 100,
	).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debugf("[JobQueue] Promoted %d delayed jobs", n)
	}
	return n, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			job, err := q.dequeueJob(ctx, time.Second)
			if err != nil {
				q.workerPool <- struct{}{}
				if ctx.Err() != nil {
					continue
				}
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				// In-flight jobs are allowed to finish after Stop.
				q.processJob(context.WithoutCancel(ctx), job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// ProcessNext dequeues and runs a single job, waiting up to timeout for one
// to arrive. It reports whether a job was run.
func (q *Queue) ProcessNext(ctx context.Context, timeout time.Duration) (bool, error) {
	job, err := q.dequeueJob(ctx, timeout)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.processJob(ctx, job)
	return true, nil
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		Critical:   jobType.Critical(),
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.opts.MaxRetries,
	}

	// Store job data
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	// MULTI/EXEC so the job body and its queue entry appear together
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey, jobData, JobTTL)
		pipe.LPush(ctx, JobQueueKey, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context, timeout time.Duration) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, timeout).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data not found or invalid, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("dequeue %s: %w", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job, JobTTL)

	err := q.runHandler(ctx, job)
	if err == nil {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		// Remove completed job from Redis entirely
		q.removeCompletedJob(ctx, job.ID)
		q.removeFromProcessing(ctx, job.ID)
		return
	}

	log.Errorf("[JobQueue] Job %s (%s) failed: %v", job.ID, job.Type, err)
	job.MarkAsFailed(err.Error())

	if job.IsRetryable() {
		next := time.Now().Add(q.opts.Backoff(job.RetryCount))
		log.Infof("[JobQueue] Retrying job %s at %s (Attempt %d/%d)", job.ID, next.Format(time.RFC3339), job.RetryCount, job.MaxRetries)
		job.MarkAsRetrying(next)
		q.scheduleRetry(ctx, job, next)
		return
	}

	log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
	job.MarkAsDead()
	q.deadLetter(ctx, job)
	q.Alerter().JobExhausted(ctx, job)
}

func (q *Queue) runHandler(ctx context.Context, job *Job) (err error) {
	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) scheduleRetry(ctx context.Context, job *Job, next time.Time) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
		pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
		pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), 1)
		return nil
	})
	if err != nil {
		// Still in the processing list, so the sweeper picks it up later.
		log.Errorf("[JobQueue] Failed to schedule retry of job %s: %v", job.ID, err)
	}
}

// deadLetter keeps the job without expiry so an operator can inspect and
// requeue it.
func (q *Queue) deadLetter(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, 0)
		pipe.LPush(ctx, JobDeadKey, job.ID)
		pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusFailed), 1)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusDead), 1)
		return nil
	})
	if err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter job %s: %v", job.ID, err)
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job, ttl time.Duration) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, ttl).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// requeueJob moves a job back to the pending queue and resets its status
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job, JobTTL)
	// Remove from processing list and push to the end of the queue
	if err := q.client.LRem(ctx, JobProcessingKey, 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", job.ID, err)
	}
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
		return err
	}
	return nil
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	} else {
		log.Debugf("[JobQueue] Successfully removed completed job %s from Redis", jobID)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// RunOnce runs fn unless a marker for key shows it already succeeded, and
// sets the marker afterwards. Handlers use it to keep redelivered jobs from
// repeating their side effect.
func (q *Queue) RunOnce(ctx context.Context, key string, fn func() error) error {
	doneKey := JobDoneKeyPrefix + key
	n, err := q.client.Exists(ctx, doneKey).Result()
	if err != nil {
		return fmt.Errorf("check done marker %s: %w", key, err)
	}
	if n > 0 {
		log.Infof("[JobQueue] Skipping %s, already applied", key)
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	if err := q.client.Set(ctx, doneKey, time.Now().Unix(), DoneMarkerTTL).Err(); err != nil {
		log.Warnf("[JobQueue] Failed to record done marker %s: %v", key, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobKey := JobKeyPrefix + jobID
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// ListDead returns up to limit dead-lettered jobs, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, JobDeadKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			log.Warnf("[JobQueue] Dead letter %s has no job data", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead gives a dead-lettered job a fresh retry budget and puts it
// back on the pending list.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusDead {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotDead, jobID, job.Status)
	}

	job.Status = JobStatusPending
	job.RetryCount = 0
	job.ErrorMsg = ""
	job.UpdatedAt = time.Now()
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, JobDeadKey, 0, jobID)
		pipe.Set(ctx, JobKeyPrefix+jobID, jobData, JobTTL)
		pipe.LPush(ctx, JobQueueKey, jobID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusDead), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", jobID, err)
	}
	log.Infof("[JobQueue] Requeued dead job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// GetDeadSize returns the number of dead-lettered jobs
func (q *Queue) GetDeadSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobDeadKey).Result()
}
