// Package pool 提供有界并发的工作池，Holon 用它限制同时规划的 CFP 数量。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 是提交给工作池的一个单元
type Task func(ctx context.Context) error

// Config 工作池配置
type Config struct {
	// 最大并发 worker 数
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`

	// 等待队列长度
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// 空闲 worker 退出前的等待时间
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   64,
		IdleTimeout: time.Minute,
	}
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// WorkerPool 按需启动 worker，最多 MaxWorkers 个，空闲超时后退出（至少保留一个）。
type WorkerPool struct {
	config Config
	queue  chan job
	logger *zap.Logger

	workers atomic.Int32
	active  atomic.Int32
	closed  atomic.Bool
	closeMu sync.RWMutex
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewWorkerPool 创建工作池，非正值使用默认配置
func NewWorkerPool(config Config, logger *zap.Logger) *WorkerPool {
	def := DefaultConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize < 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		config: config,
		queue:  make(chan job, config.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// Submit 入队后立即返回；队列已满且无法扩容时返回 ErrPoolFull。
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx}
	select {
	case p.queue <- j:
		p.spawn()
		return nil
	default:
	}
	if p.spawn() {
		// 新 worker 空闲，必然会取走
		p.queue <- j
		return nil
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// SubmitWait 等待入队并等待任务完成，ctx 结束时放弃等待。
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx, result: make(chan error, 1)}
	p.spawn()
	select {
	case p.queue <- j:
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn 在未达上限时启动一个 worker
func (p *WorkerPool) spawn() bool {
	for {
		n := p.workers.Load()
		if n >= int32(p.config.MaxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return true
		}
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			err := p.run(j)
			p.active.Add(-1)
			if j.result != nil {
				j.result <- err
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			idle.Reset(p.config.IdleTimeout)

		case <-idle.C:
			if n := p.workers.Load(); n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("recover", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task(j.ctx)
}

// Close 拒绝新任务，执行完已入队的任务后返回。
func (p *WorkerPool) Close() error {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return nil
	}
	close(p.queue)
	p.closeMu.Unlock()
	p.wg.Wait()
	return nil
}

// Stats 工作池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats 返回当前统计
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
