package workerpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Config holds worker pool configuration
type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queuesize"`
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:   8,
		QueueSize: 256,
	}
}

// Statistics tracks pool activity
type Statistics struct {
	mu sync.RWMutex

	Submitted int64
	Completed int64
	Failed    int64
	Running   int64
}

func (s *Statistics) incSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submitted++
}

func (s *Statistics) incRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Running++
}

func (s *Statistics) decRunning(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Running--
	if failed {
		s.Failed++
	} else {
		s.Completed++
	}
}

// Get returns a snapshot of the statistics
func (s *Statistics) Get() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Statistics{
		Submitted: s.Submitted,
		Completed: s.Completed,
		Failed:    s.Failed,
		Running:   s.Running,
	}
}

// Pool is a fixed-size worker pool. Tasks block their worker until they
// finish; there is no cooperative suspension inside a task.
type Pool struct {
	pool   *ants.Pool
	config *Config
	stats  *Statistics
	logger *zap.Logger
}

// New creates a worker pool
func New(config *Config, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	antsPool, err := ants.NewPool(config.Workers,
		ants.WithMaxBlockingTasks(config.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			logger.Error("worker panic", zap.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	return &Pool{
		pool:   antsPool,
		config: config,
		stats:  &Statistics{},
		logger: logger,
	}, nil
}

// Submit schedules a task. The task's returned error only feeds the
// statistics; failure handling stays with the caller.
func (p *Pool) Submit(task func() error) error {
	if p.pool.IsClosed() {
		return ErrPoolClosed
	}

	p.stats.incSubmitted()
	return p.pool.Submit(func() {
		p.stats.incRunning()
		err := task()
		p.stats.decRunning(err != nil)
	})
}

// Running returns the number of busy workers
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Free returns the number of idle workers
func (p *Pool) Free() int {
	return p.pool.Free()
}

// Stats returns a snapshot of the pool statistics
func (p *Pool) Stats() Statistics {
	return p.stats.Get()
}

// Shutdown releases the pool after running tasks finish
func (p *Pool) Shutdown() {
	p.pool.Release()
}
