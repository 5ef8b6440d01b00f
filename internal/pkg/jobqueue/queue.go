package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobStatsKey      = "job_stats"
	// JobRetryKey is a sorted set of job ids scored by their due time in
	// unix milliseconds.
	JobRetryKey = "job_retry"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 72 * time.Hour
)

// ErrNoHandler is returned for jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler performs one job. Returning an error schedules a retry while
// retries remain.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Queue manages background jobs using Redis
type Queue struct {
	client     *redis.Client
	log        *zap.Logger
	metrics    *metrics.Billing
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	handlers   map[JobType]Handler
	retryDelay time.Duration
	retryPoll  time.Duration
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, workers int, log *zap.Logger, m *metrics.Billing) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Queue{
		client:     client,
		log:        log.Named("jobqueue"),
		metrics:    m,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		handlers:   make(map[JobType]Handler),
		retryDelay: time.Minute,
		retryPoll:  5 * time.Second,
	}
}

// Register binds a handler to a job type. Call before Start.
func (q *Queue) Register(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
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
	q.log.Info("starting workers", zap.Int("workers", q.workers))

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// recovers jobs stuck in processing after a crash
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)

	q.wg.Add(1)
	go q.retryScheduler(q.retryPoll)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.log.Info("stopping workers")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	q.log.Info("all workers stopped")
}

func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.recoverStuck(ctx, maxAge, time.Now())
		}
	}
}

func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		q.log.Error("sweeper lrange failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.log.Error("sweeper load failed", zap.String("job_id", id), zap.Error(err))
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status == JobStatusRetrying {
			// crashed between marking the retry and scheduling it
			pipe := q.client.TxPipeline()
			pipe.ZAddNX(ctx, JobRetryKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			pipe.LRem(ctx, JobProcessingKey, 1, id)
			if _, err := pipe.Exec(ctx); err != nil {
				q.log.Error("sweeper reschedule failed", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) > maxAge {
			q.log.Warn("recovering stuck job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Duration("age", now.Sub(started)))
			job.Status = JobStatusPending
			job.ErrorMsg = "recovered by sweeper"
			job.UpdatedAt = now
			q.updateJob(ctx, job)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			_ = q.client.RPush(ctx, JobQueueKey, id).Err()
		}
	}
}

func (q *Queue) retryScheduler(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.promoteDueRetries(ctx, time.Now()); err != nil {
				q.log.Error("promote retries failed", zap.Error(err))
			}
		}
	}
}

// promoteRetries moves due ids from the retry set to the queue in one step,
// so two instances never requeue the same job.
var promoteRetries = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

func (q *Queue) promoteDueRetries(ctx context.Context, now time.Time) (int64, error) {
	return promoteRetries.Run(ctx, q.client, []string{JobRetryKey, JobQueueKey}, now.UnixMilli(), 100).Int64()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.workerPool:
		}

		job, err := q.dequeueJob(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.log.Error("dequeue failed", zap.Int("worker", id), zap.Error(err))
				time.Sleep(time.Second)
			}
			q.workerPool <- struct{}{}
			continue
		}

		q.processJob(ctx, job)
		q.workerPool <- struct{}{}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.log.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	return job, nil
}

func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BLMove(ctx, JobQueueKey, JobProcessingKey, "RIGHT", "LEFT", time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job %s not loadable: %w", jobID, err)
	}
	return job, nil
}

// handle runs the registered handler for job.
func (q *Queue) handle(ctx context.Context, job *Job) error {
	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	return h.Handle(ctx, job)
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	err := q.handle(ctx, job)
	if err != nil {
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() && !errors.Is(err, ErrNoHandler) {
			q.log.Warn("job failed, retrying",
				zap.String("job_id", job.ID),
				zap.String("type", string(job.Type)),
				zap.Int("attempt", job.RetryCount),
				zap.Int("max_retries", job.MaxRetries),
				zap.Error(err))
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			q.scheduleRetry(ctx, job.ID, time.Now().Add(q.retryDelay*time.Duration(job.RetryCount)))
			return
		} else {
			q.log.Error("job permanently failed",
				zap.String("job_id", job.ID),
				zap.String("type", string(job.Type)),
				zap.Int("retries", job.RetryCount),
				zap.Error(err))
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.metrics.JobFinished(string(job.Type), string(JobStatusFailed))
			q.updateJob(ctx, job)
		}
	} else {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.metrics.JobFinished(string(job.Type), string(JobStatusCompleted))
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

// scheduleRetry parks the job in the retry set until due. A failure leaves
// it in the processing list where the sweeper finds it.
func (q *Queue) scheduleRetry(ctx context.Context, jobID string, due time.Time) {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, JobRetryKey, redis.Z{Score: float64(due.UnixMilli()), Member: jobID})
	pipe.LRem(ctx, JobProcessingKey, 1, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("schedule retry failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		q.log.Error("marshal job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		q.log.Error("update job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		q.log.Error("remove from processing failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		q.log.Error("remove completed job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		q.log.Error("update job stats failed", zap.Error(err))
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
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

// GetRetryingSize returns the number of jobs waiting for a retry
func (q *Queue) GetRetryingSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobRetryKey).Result()
}
