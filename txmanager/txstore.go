package txmanager

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
)

// TransactionRepository 事务存储模块
// 1. 定义: 用于持久化事务及其参与者的模块, 协调器自身的可靠性完全依赖于它
// 2. 功能:
//  2.1 Create 首次持久化事务, 成功后事务版本号置为 1
//  2.2 Update 基于版本号做乐观锁校验, 版本号不一致时返回 api.ErrOptimisticLock, 成功后版本号加一
//  2.3 Delete 事务到达终态后删除
//  2.4 FindAllUnmodifiedSince 按游标分页获取长时间未更新的事务, 供恢复任务使用
// 3. 各方法返回受影响的记录数
type TransactionRepository interface {
	// Domain 当前存储的业务域
	Domain() string
	// RootDomain 根事务所在的业务域, 返回空串表示不支持按根事务 xid 查询
	RootDomain() string
	Create(ctx context.Context, transaction *Transaction) (int, error)
	Update(ctx context.Context, transaction *Transaction) (int, error)
	Delete(ctx context.Context, transaction *Transaction) (int, error)
	// FindByXid 不存在时返回 nil, nil
	FindByXid(ctx context.Context, xid api.TransactionXid) (*Transaction, error)
	// FindByRootXid 在根事务业务域中查找根事务, 不存在时返回 nil, nil
	FindByRootXid(ctx context.Context, rootXid api.TransactionXid) (*Transaction, error)
	// FindAllUnmodifiedSince 获取最后更新时间早于 before 的事务, cursor 为空串时从头开始
	FindAllUnmodifiedSince(ctx context.Context, before time.Time, cursor string, pageSize int) (*Page, error)
	Close() error
}

// Page 一页事务
type Page struct {
	Items []*Transaction
	// 下一页的游标
	NextCursor string
}

// DegradableRepository 主备两个存储组成的降级存储
// 恢复任务需要分别扫描主存储和降级存储
type DegradableRepository interface {
	TransactionRepository
	// Degraded 主存储当前是否处于降级状态
	Degraded() bool
	PrimaryRepository() TransactionRepository
	DegradedRepository() TransactionRepository
}

// LocalStorable 标识存储位于进程内, 恢复任务对其使用进程内的锁
type LocalStorable interface {
	LocalStorable()
}
