package recovery

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

// RecoveryLock 恢复任务的互斥锁, 保证同一时刻只有一个恢复任务在扫描同一个存储
type RecoveryLock interface {
	// TryLock 非阻塞加锁, 加锁失败说明有其他恢复任务正在执行
	TryLock(ctx context.Context) bool
	Unlock(ctx context.Context)
}

// DefaultLock 进程内的恢复锁, 用于进程内存储
var DefaultLock RecoveryLock = &localLock{}

type localLock struct {
	mux sync.Mutex
}

// NewLocalLock 返回一把新的进程内恢复锁
func NewLocalLock() RecoveryLock {
	return &localLock{}
}

func (l *localLock) TryLock(_ context.Context) bool {
	return l.mux.TryLock()
}

func (l *localLock) Unlock(_ context.Context) {
	l.mux.Unlock()
}

// DefaultRedisLockKey 多个协调器实例共享存储时, 恢复锁使用的 redis key
const DefaultRedisLockKey = "tcctransaction:recovery:lock"

// redisLocker 单次加锁得到的 redis 锁
type redisLocker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RedisRecoveryLock 基于 redis 分布式锁的恢复锁, 用于多实例共享的存储
// 不指定过期时间, 由 redis_lock 的看门狗在持有期间持续续期, 持有者宕机后锁随续期停止而过期
type RedisRecoveryLock struct {
	key     string
	newLock func() redisLocker

	mux  sync.Mutex
	held redisLocker
}

func NewRedisRecoveryLock(client *redis_lock.Client, key string) *RedisRecoveryLock {
	if key == "" {
		key = DefaultRedisLockKey
	}
	return &RedisRecoveryLock{
		key: key,
		newLock: func() redisLocker {
			return redis_lock.NewRedisLock(key, client)
		},
	}
}

func (l *RedisRecoveryLock) TryLock(ctx context.Context) bool {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.held != nil {
		return false
	}

	lock := l.newLock()
	if err := lock.Lock(ctx); err != nil {
		log.DebugContextf(ctx, "try recovery lock failed, key: %s, err: %v", l.key, err)
		return false
	}
	l.held = lock
	return true
}

func (l *RedisRecoveryLock) Unlock(ctx context.Context) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.held == nil {
		return
	}
	if err := l.held.Unlock(ctx); err != nil {
		log.WarnContextf(ctx, "release recovery lock failed, key: %s, err: %v", l.key, err)
	}
	l.held = nil
}
