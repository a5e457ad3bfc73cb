package recovery

import (
	"runtime"
	"time"
)

const (
	// 单批次恢复任务的等待超时
	DefaultBatchTimeout = 60 * time.Second
	// 一页内同类错误日志打印条数的上限
	MaxErrorLogCount = 15
)

// Options 恢复任务的配置信息
type Options struct {
	// 单个事务的最大重试次数, 超过后不再恢复
	MaxRetryCount int
	// 每页获取的事务条数
	FetchPageSize int
	// 最后更新时间早于 now - RecoverDuration 的事务才会被恢复
	RecoverDuration time.Duration
	// 并发执行恢复任务的协程数
	ConcurrentRecoveryThreadCount int
	// 单批次恢复任务的等待超时
	BatchTimeout time.Duration
	// 定时任务的轮询间隔
	MonitorTick time.Duration
	// 共享存储使用的恢复锁, 进程内存储固定使用进程内的锁
	RecoveryLock RecoveryLock
	Metrics      *Metrics
	Clock        func() time.Time
}

type Option func(*Options)

func WithMaxRetryCount(count int) Option {
	return func(o *Options) {
		o.MaxRetryCount = count
	}
}

func WithFetchPageSize(size int) Option {
	return func(o *Options) {
		o.FetchPageSize = size
	}
}

func WithRecoverDuration(duration time.Duration) Option {
	return func(o *Options) {
		o.RecoverDuration = duration
	}
}

func WithConcurrentRecoveryThreadCount(count int) Option {
	return func(o *Options) {
		o.ConcurrentRecoveryThreadCount = count
	}
}

func WithBatchTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.BatchTimeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithRecoveryLock(lock RecoveryLock) Option {
	return func(o *Options) {
		o.RecoveryLock = lock
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}

// WithClock 替换时钟, 测试中用于控制过期判断
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}

func repair(o *Options) {
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 30
	}

	if o.FetchPageSize <= 0 {
		o.FetchPageSize = 500
	}

	if o.RecoverDuration <= 0 {
		o.RecoverDuration = 30 * time.Second
	}

	if o.ConcurrentRecoveryThreadCount <= 0 {
		o.ConcurrentRecoveryThreadCount = runtime.NumCPU() * 2
	}

	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}

	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.RecoveryLock == nil {
		o.RecoveryLock = DefaultLock
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// logCeiling 一页内同类错误日志最多打印 min(pageSize/2, 15) 条
func logCeiling(pageSize int) int {
	if ceiling := pageSize / 2; ceiling < MaxErrorLogCount {
		return ceiling
	}
	return MaxErrorLogCount
}
