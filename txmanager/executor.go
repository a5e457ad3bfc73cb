package txmanager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

// executor 有界的异步执行器
// 1. poolSize 个 worker 从任务队列中取任务执行, 同时执行的任务数不超过 poolSize
// 2. 已接收但尚未执行完的任务不超过 poolSize + queueSize, 超出后根据 callerRuns 决定直接拒绝还是由调用方同步执行
// 3. worker 在第一次提交任务时启动, Shutdown 后退出
type executor struct {
	name       string
	poolSize   int
	callerRuns bool

	// slots 接收任务的令牌, 容量为 poolSize + queueSize
	slots chan struct{}
	tasks chan func()

	start   sync.Once
	group   errgroup.Group
	pending sync.WaitGroup

	mux    sync.RWMutex
	closed bool
}

func newExecutor(name string, poolSize, queueSize int, callerRuns bool) *executor {
	if poolSize <= 0 {
		poolSize = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &executor{
		name:       name,
		poolSize:   poolSize,
		callerRuns: callerRuns,
		slots:      make(chan struct{}, poolSize+queueSize),
		tasks:      make(chan func(), poolSize+queueSize),
	}
}

// Submit 提交任务
func (e *executor) Submit(ctx context.Context, task func()) error {
	e.start.Do(e.startWorkers)
	if e.offer(ctx, task) {
		return nil
	}

	if e.callerRuns {
		e.run(ctx, task)
		return nil
	}
	return fmt.Errorf("%s: %w", e.name, api.ErrExecutorRejected)
}

// offer 拿到令牌后入队, tasks 的容量与令牌数相同, 入队不会阻塞
func (e *executor) offer(ctx context.Context, task func()) bool {
	e.mux.RLock()
	defer e.mux.RUnlock()
	if e.closed {
		return false
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return false
	}
	e.pending.Add(1)
	e.tasks <- func() {
		e.run(ctx, task)
	}
	return true
}

func (e *executor) startWorkers() {
	for i := 0; i < e.poolSize; i++ {
		e.group.Go(func() error {
			for task := range e.tasks {
				task()
				<-e.slots
				e.pending.Done()
			}
			return nil
		})
	}
}

func (e *executor) run(ctx context.Context, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContextf(ctx, "%s task panic: %v, stack: %s", e.name, r, debug.Stack())
		}
	}()
	task()
}

// Wait 等待所有已提交的任务执行完成, 之后仍然可以继续提交
func (e *executor) Wait() {
	e.pending.Wait()
}

// Shutdown 不再接收新任务, 等待队列中的任务执行完成后 worker 退出
func (e *executor) Shutdown() {
	// 未启动过的执行器不再启动 worker
	e.start.Do(func() {})
	e.mux.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mux.Unlock()
	_ = e.group.Wait()
}
