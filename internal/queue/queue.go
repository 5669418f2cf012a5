// Package queue implements the single-writer snapshot queue. Jobs are signed,
// encoded, masked and written to disk one at a time in FIFO order by a single
// consumer goroutine.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/fsutil"
	"github.com/gitlab-az1/ray/internal/mask"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/snapshot"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Job is a snapshot waiting to be written to Path.
type Job struct {
	ID        string
	Namespace string
	Path      string
	TTL       map[string]int64
	Data      map[string]json.RawMessage

	barrier chan struct{}
}

// clone deep-copies the tables so later mutations by the producer do not
// leak into the snapshot.
func (j Job) clone() Job {
	out := j
	out.TTL = maps.Clone(j.TTL)
	if j.Data != nil {
		out.Data = make(map[string]json.RawMessage, len(j.Data))
		for k, v := range j.Data {
			out.Data[k] = bytes.Clone(v)
		}
	}
	return out
}

// Writer persists an encoded snapshot.
type Writer interface {
	WriteFile(path string, data []byte) error
}

// FileWriter writes snapshots atomically to the local filesystem.
type FileWriter struct{}

// WriteFile implements Writer.
func (FileWriter) WriteFile(path string, data []byte) error {
	return fsutil.WriteFile(path, data)
}

// Config holds write queue configuration
type Config struct {
	Name      string
	QueueSize int
	HMACKey   []byte
	// MaskKey defaults to mask.CacheKey.
	MaskKey []byte
	Writer  Writer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnFailure is called from the consumer goroutine for every dropped job.
	OnFailure func(Job, error)
	Clock     func() time.Time
}

// Queue is a bounded FIFO of snapshot jobs drained by one goroutine.
type Queue struct {
	name      string
	queueSize int
	hmacKey   []byte
	maskKey   []byte
	writer    Writer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onFailure func(Job, error)
	clock     func() time.Time

	jobs      chan Job
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	totalJobs     uint64
	completedJobs uint64
	failedJobs    uint64
	rejectedJobs  uint64
}

// New creates a write queue. Call Start before expecting any job to be
// written.
func New(cfg Config) (*Queue, error) {
	if len(cfg.HMACKey) == 0 {
		return nil, rayerrors.InvalidArgument("write queue requires an HMAC key", nil)
	}
	if cfg.Name == "" {
		cfg.Name = "snapshots"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if len(cfg.MaskKey) == 0 {
		cfg.MaskKey = mask.CacheKey
	}
	if cfg.Writer == nil {
		cfg.Writer = FileWriter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Queue{
		name:      cfg.Name,
		queueSize: cfg.QueueSize,
		hmacKey:   cfg.HMACKey,
		maskKey:   cfg.MaskKey,
		writer:    cfg.Writer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		onFailure: cfg.OnFailure,
		clock:     cfg.Clock,
		jobs:      make(chan Job, cfg.QueueSize),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the consumer. Calling it more than once is a no-op.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		go q.consume()
		q.logger.Info("Write queue started",
			zap.String("name", q.name),
			zap.Int("queue_size", q.queueSize))
	})
}

func (q *Queue) consume() {
	defer close(q.done)

	for job := range q.jobs {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		q.execute(job)
		q.metrics.UpdateQueueDepth(q.name, len(q.jobs))
	}
}

// execute processes a single job
func (q *Queue) execute(job Job) {
	start := time.Now()

	size, err := q.safeProcess(job)
	duration := time.Since(start)
	q.metrics.RecordQueueJob(q.name, err == nil, duration.Seconds(), size)

	if err != nil {
		atomic.AddUint64(&q.failedJobs, 1)
		q.logger.Error("Snapshot job failed",
			zap.String("queue", q.name),
			zap.String("job_id", job.ID),
			zap.String("namespace", job.Namespace),
			zap.String("path", job.Path),
			zap.Duration("duration", duration),
			zap.Error(err))
		if q.onFailure != nil {
			q.onFailure(job, err)
		}
		return
	}

	atomic.AddUint64(&q.completedJobs, 1)
	q.logger.Debug("Snapshot job completed",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("path", job.Path),
		zap.Int("bytes", size),
		zap.Duration("duration", duration))
}

// safeProcess processes a job with panic recovery
func (q *Queue) safeProcess(job Job) (size int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rayerrors.InternalError(fmt.Sprintf("snapshot job panicked: %v", r), nil)
			q.logger.Error("Snapshot job panic recovered",
				zap.String("queue", q.name),
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
		}
	}()

	env, err := snapshot.Seal(q.hmacKey, job.Namespace, job.TTL, job.Data, q.clock().UnixMilli())
	if err != nil {
		return 0, err
	}
	payload, err := snapshot.Encode(env, q.maskKey)
	if err != nil {
		return 0, err
	}
	if err := q.writer.WriteFile(job.Path, payload); err != nil {
		return 0, fmt.Errorf("failed to write snapshot %s: %w", job.Path, err)
	}
	return len(payload), nil
}

// Enqueue captures a copy of job and blocks until the queue accepts it or
// ctx is done. After Dispose it fails with QueueClosed.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	return q.submit(ctx, job.clone())
}

func (q *Queue) submit(ctx context.Context, job Job) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	counted := job.barrier == nil
	if q.closed {
		if counted {
			atomic.AddUint64(&q.rejectedJobs, 1)
			q.metrics.RecordQueueRejected(q.name)
		}
		return rayerrors.QueueClosed(q.name)
	}

	select {
	case q.jobs <- job:
		if counted {
			atomic.AddUint64(&q.totalJobs, 1)
			q.metrics.UpdateQueueDepth(q.name, len(q.jobs))
		}
		return nil
	case <-ctx.Done():
		if counted {
			atomic.AddUint64(&q.rejectedJobs, 1)
		}
		return ctx.Err()
	}
}

// Flush waits until every job enqueued before the call has been processed.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := q.submit(ctx, Job{barrier: barrier}); err != nil {
		if rayerrors.Is(err, rayerrors.ErrCodeQueueClosed) {
			return q.wait(ctx)
		}
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose stops accepting jobs and drains the ones already accepted. It
// returns an error if draining takes longer than timeout.
func (q *Queue) Dispose(timeout time.Duration) error {
	// a producer blocked on a full, unstarted queue holds closeMu
	q.Start()

	q.closeOnce.Do(func() {
		q.logger.Info("Stopping write queue",
			zap.String("name", q.name),
			zap.Int("pending", len(q.jobs)))

		q.closeMu.Lock()
		q.closed = true
		close(q.jobs)
		q.closeMu.Unlock()
	})

	select {
	case <-q.done:
		q.logger.Info("Write queue drained", zap.String("name", q.name))
		return nil
	case <-time.After(timeout):
		q.logger.Warn("Write queue drain timeout",
			zap.String("name", q.name),
			zap.Int("pending", len(q.jobs)))
		return rayerrors.InternalError(fmt.Sprintf("write queue %q drain timeout after %v", q.name, timeout), nil)
	}
}

// Closed reports whether Dispose has been called.
func (q *Queue) Closed() bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	return q.closed
}

// Stats returns current queue statistics
func (q *Queue) Stats() Stats {
	return Stats{
		Name:          q.name,
		QueueSize:     q.queueSize,
		QueuedJobs:    len(q.jobs),
		TotalJobs:     atomic.LoadUint64(&q.totalJobs),
		CompletedJobs: atomic.LoadUint64(&q.completedJobs),
		FailedJobs:    atomic.LoadUint64(&q.failedJobs),
		RejectedJobs:  atomic.LoadUint64(&q.rejectedJobs),
	}
}

// Stats represents write queue statistics
type Stats struct {
	Name          string `json:"name"`
	QueueSize     int    `json:"queue_size"`
	QueuedJobs    int    `json:"queued_jobs"`
	TotalJobs     uint64 `json:"total_jobs"`
	CompletedJobs uint64 `json:"completed_jobs"`
	FailedJobs    uint64 `json:"failed_jobs"`
	RejectedJobs  uint64 `json:"rejected_jobs"`
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedJobs) / float64(s.QueueSize)) * 100.0
}

// SuccessRate returns the share of processed jobs that were written
func (s Stats) SuccessRate() float64 {
	processed := s.CompletedJobs + s.FailedJobs
	if processed == 0 {
		return 100.0
	}
	return (float64(s.CompletedJobs) / float64(processed)) * 100.0
}
