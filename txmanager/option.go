package txmanager

import "runtime"

// Options TransactionManager 的配置信息
type Options struct {
	// 异步 confirm/cancel 线程池的并发数
	PoolSize int
	// 异步 confirm/cancel 线程池的排队长度, 超出后直接拒绝
	QueueSize int
	// 异步保存状态线程池的排队长度, 超出后由调用方同步执行
	SaveQueueSize int
}

type Option func(*Options)

// WithPoolSize 设置异步线程池的并发数
func WithPoolSize(size int) Option {
	return func(o *Options) {
		o.PoolSize = size
	}
}

// WithQueueSize 设置异步 confirm/cancel 线程池的排队长度
func WithQueueSize(size int) Option {
	return func(o *Options) {
		o.QueueSize = size
	}
}

// WithSaveQueueSize 设置异步保存状态线程池的排队长度
func WithSaveQueueSize(size int) Option {
	return func(o *Options) {
		o.SaveQueueSize = size
	}
}

// repair 没有设置的配置项使用默认值
func repair(o *Options) {
	// 并发数为 cpu 核数 * 2 + 1
	if o.PoolSize <= 0 {
		o.PoolSize = runtime.NumCPU()*2 + 1
	}

	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}

	if o.SaveQueueSize <= 0 {
		o.SaveQueueSize = o.QueueSize * 2
	}
}
