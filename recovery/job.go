package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

// ScheduledJob 定时执行恢复任务
//  1. 实现方式: for 循环 + select 多路复用
//     1.1 ctx 被关闭后能够及时退出轮询的 goroutine
//     1.2 恢复出现错误时按照退避策略增大轮询间隔, 上限为 8 倍的 MonitorTick
type ScheduledJob struct {
	recovery *TransactionRecovery
	tick     time.Duration
	stopped  chan struct{}
	start    sync.Once
}

func NewScheduledJob(recovery *TransactionRecovery) *ScheduledJob {
	return &ScheduledJob{
		recovery: recovery,
		tick:     recovery.opts.MonitorTick,
		stopped:  make(chan struct{}),
	}
}

// Start 启动轮询 goroutine, ctx 被关闭后退出, 重复调用只启动一次
func (j *ScheduledJob) Start(ctx context.Context) {
	j.start.Do(func() {
		go j.run(ctx)
	})
}

// Stopped 轮询 goroutine 退出后关闭
func (j *ScheduledJob) Stopped() <-chan struct{} {
	return j.stopped
}

func (j *ScheduledJob) run(ctx context.Context) {
	defer close(j.stopped)

	var tick time.Duration
	var err error
	for {
		// 出现错误时 tick 需要避让
		if err == nil {
			tick = j.tick
		} else {
			tick = j.backOffTick(tick)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
			if err = j.recovery.sweep(ctx); err != nil {
				log.WarnContextf(ctx, "scheduled recovery failed, next tick: %s, err: %v", j.backOffTick(tick), err)
			}
		}
	}
}

func (j *ScheduledJob) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := j.tick << 3; tick > threshold {
		return threshold
	}
	return tick
}
