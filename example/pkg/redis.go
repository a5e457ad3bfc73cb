package pkg

import (
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

const (
	network  = "tcp"
	address  = "127.0.0.1:6379"
	password = ""
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

// NewRedisClient 返回自定义的 redis 客户端
func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// GetRedisClient 返回使用默认地址的全局 redis 客户端
func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// BuildTXKey 分支事务状态 key, 用于幂等去重
func BuildTXKey(componentID, xid string) string {
	return fmt.Sprintf("tcc:tx:%s:%s", componentID, xid)
}

// BuildTXDetailKey 分支事务操作的业务键
func BuildTXDetailKey(componentID, xid string) string {
	return fmt.Sprintf("tcc:txDetail:%s:%s", componentID, xid)
}

// BuildDataKey 业务数据状态 key
func BuildDataKey(componentID, bizID string) string {
	return fmt.Sprintf("tcc:data:%s:%s", componentID, bizID)
}

// BuildTXLockKey 分支事务锁 key
func BuildTXLockKey(componentID, xid string) string {
	return fmt.Sprintf("tcc:txLock:%s:%s", componentID, xid)
}
