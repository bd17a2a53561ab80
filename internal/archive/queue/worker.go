package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/artvault/artvault/internal/pkg/logger"
)

const (
	// TaskSimilarity resolves one submission file against the similarity
	// service.
	TaskSimilarity = "similarity"
	// TaskIndexRemove drops one destroyed file from the similarity index
	TaskIndexRemove = "index_remove"

	// maxAttempts bounds the retry chain before a task goes dead
	maxAttempts = 25
	// maxBackoff caps the delay between attempts
	maxBackoff = 24 * time.Hour
)

// Task is one unit of queued work. Key is the logical key the mutual
// exclusion is keyed on (the submission file ID for both task classes).
type Task struct {
	Class   string `json:"class"`
	Key     string `json:"key"`
	Attempt int    `json:"attempt"`
}

// Handler executes one task class. A returned error puts the task on the
// retry path; success and discard both end it.
type Handler func(ctx context.Context, key string) error

// RedisOps is the slice of redis the scheduler needs
type RedisOps interface {
	LPush(ctx context.Context, key string, values ...interface{}) (int64, error)
	RPop(ctx context.Context, key string) (string, error)
	SAdd(ctx context.Context, key string, members ...interface{}) (int64, error)
	SRem(ctx context.Context, key string, members ...interface{}) (int64, error)
	SIsMember(ctx context.Context, key string, member interface{}) (bool, error)
	ZAdd(ctx context.Context, key string, members ...redis.Z) (int64, error)
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error)
	ZRem(ctx context.Context, key string, members ...interface{}) (int64, error)
}

// Submitter hands tasks to a bounded worker pool
type Submitter interface {
	Submit(task func() error) error
}

// Scheduler runs queued tasks with per-key mutual exclusion and bounded
// retries. Pending tasks live in a list per class, delayed retries in a
// sorted set scored by their due time, and the running set carries the
// in-flight keys the exclusion is checked against.
type Scheduler struct {
	rdb      RedisOps
	pool     Submitter
	handlers map[string]Handler
	logger   *logger.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a scheduler polling at the given interval
func New(rdb RedisOps, pool Submitter, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		rdb:      rdb,
		pool:     pool,
		handlers: map[string]Handler{},
		logger:   log,
		interval: interval,
		now:      time.Now,
	}
}

// Register binds a handler to a task class
func (s *Scheduler) Register(class string, handler Handler) {
	s.handlers[class] = handler
}

func queueKey(class string) string   { return "queue:" + class }
func delayedKey(class string) string { return "queue:" + class + ":delayed" }
func runningKey(class string) string { return "running:" + class }

// Enqueue schedules a task unless one with the same key is already
// running. The conflicting enqueue is logged and dropped, not queued:
// the running task will produce a current result anyway, and dropping
// keeps at most one computation in flight per key.
func (s *Scheduler) Enqueue(ctx context.Context, class, key string) error {
	if _, ok := s.handlers[class]; !ok {
		return fmt.Errorf("unknown task class: %s", class)
	}

	running, err := s.rdb.SIsMember(ctx, runningKey(class), key)
	if err != nil {
		return fmt.Errorf("failed to check running set: %w", err)
	}
	if running {
		s.logger.Info("task already running, dropping enqueue",
			zap.String("class", class),
			zap.String("key", key),
		)
		return nil
	}

	payload, err := json.Marshal(&Task{Class: class, Key: key, Attempt: 1})
	if err != nil {
		return err
	}
	if _, err := s.rdb.LPush(ctx, queueKey(class), payload); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Run pumps the queues until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for class := range s.handlers {
				s.promoteDelayed(ctx, class)
				s.drain(ctx, class)
			}
		}
	}
}

// promoteDelayed moves due retries back onto the pending list
func (s *Scheduler) promoteDelayed(ctx context.Context, class string) {
	due, err := s.rdb.ZRangeByScore(ctx, delayedKey(class), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", s.now().Unix()),
	})
	if err != nil {
		s.logger.Error("failed to read delayed tasks", zap.String("class", class), zap.Error(err))
		return
	}

	for _, payload := range due {
		if _, err := s.rdb.ZRem(ctx, delayedKey(class), payload); err != nil {
			s.logger.Error("failed to remove delayed task", zap.String("class", class), zap.Error(err))
			continue
		}
		if _, err := s.rdb.LPush(ctx, queueKey(class), payload); err != nil {
			s.logger.Error("failed to promote delayed task", zap.String("class", class), zap.Error(err))
		}
	}
}

// drain submits every currently pending task of the class to the pool
func (s *Scheduler) drain(ctx context.Context, class string) {
	for {
		payload, err := s.rdb.RPop(ctx, queueKey(class))
		if err != nil {
			s.logger.Error("failed to pop task", zap.String("class", class), zap.Error(err))
			return
		}
		if payload == "" {
			return
		}

		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// Malformed payloads cannot become valid by retrying.
			s.logger.Error("discarding undecodable task payload",
				zap.String("class", class),
				zap.String("payload", payload),
				zap.Error(err),
			)
			continue
		}

		if err := s.pool.Submit(func() error {
			return s.execute(ctx, &task)
		}); err != nil {
			s.logger.Error("failed to submit task to pool",
				zap.String("class", task.Class),
				zap.String("key", task.Key),
				zap.Error(err),
			)
			s.scheduleRetry(ctx, &task)
		}
	}
}

// execute runs one task under the running-set guard
func (s *Scheduler) execute(ctx context.Context, task *Task) error {
	handler, ok := s.handlers[task.Class]
	if !ok {
		s.logger.Error("discarding task with unknown class", zap.String("class", task.Class))
		return nil
	}

	added, err := s.rdb.SAdd(ctx, runningKey(task.Class), task.Key)
	if err != nil {
		return err
	}
	if added == 0 {
		s.logger.Info("task already running, dropping duplicate",
			zap.String("class", task.Class),
			zap.String("key", task.Key),
		)
		return nil
	}
	defer func() {
		if _, err := s.rdb.SRem(ctx, runningKey(task.Class), task.Key); err != nil {
			s.logger.Error("failed to release running lock",
				zap.String("class", task.Class),
				zap.String("key", task.Key),
				zap.Error(err),
			)
		}
	}()

	if err := handler(ctx, task.Key); err != nil {
		// Every failure is logged with its trace before the retry or
		// terminal decision is applied.
		s.logger.Error("task failed",
			zap.String("class", task.Class),
			zap.String("key", task.Key),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
			zap.Stack("stacktrace"),
		)
		s.scheduleRetry(ctx, task)
		return err
	}

	return nil
}

// scheduleRetry puts a failed task on the delayed set, or declares it
// dead once the attempt budget is spent.
func (s *Scheduler) scheduleRetry(ctx context.Context, task *Task) {
	if task.Attempt >= maxAttempts {
		s.logger.Error("task dead after exhausting retries",
			zap.String("class", task.Class),
			zap.String("key", task.Key),
			zap.Int("attempts", task.Attempt),
		)
		return
	}

	next := &Task{Class: task.Class, Key: task.Key, Attempt: task.Attempt + 1}
	payload, err := json.Marshal(next)
	if err != nil {
		s.logger.Error("failed to marshal retry", zap.String("key", task.Key), zap.Error(err))
		return
	}

	due := s.now().Add(Backoff(task.Attempt))
	if _, err := s.rdb.ZAdd(ctx, delayedKey(task.Class), redis.Z{
		Score:  float64(due.Unix()),
		Member: string(payload),
	}); err != nil {
		s.logger.Error("failed to schedule retry",
			zap.String("class", task.Class),
			zap.String("key", task.Key),
			zap.Error(err),
		)
	}
}

// Backoff returns the delay before the given attempt is retried. The
// polynomial keeps early retries quick while stretching late ones to
// hours, and the cap keeps attempt 24 under a day.
func Backoff(attempt int) time.Duration {
	seconds := math.Pow(float64(attempt), 4) + 15
	d := time.Duration(seconds) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
