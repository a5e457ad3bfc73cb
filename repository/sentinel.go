package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// SentinelController 主存储的熔断开关
// 1. 统计窗口内主存储的失败次数, 达到阈值后进入降级状态
// 2. 降级状态持续一个窗口, 到期后重新尝试主存储
type SentinelController struct {
	mux           sync.Mutex
	threshold     int
	window        time.Duration
	now           func() time.Time
	failures      int
	windowStart   time.Time
	degradedUntil time.Time
}

func NewSentinelController(threshold int, window time.Duration) *SentinelController {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &SentinelController{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Degrade 当前是否处于降级状态
func (c *SentinelController) Degrade() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now().Before(c.degradedUntil)
}

// ReportFailure 上报一次主存储的失败
func (c *SentinelController) ReportFailure() {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.now()
	if now.Sub(c.windowStart) > c.window {
		c.windowStart = now
		c.failures = 0
	}
	c.failures++
	if c.failures >= c.threshold {
		c.degradedUntil = now.Add(c.window)
		c.failures = 0
	}
}

// ReportSuccess 主存储调用成功后清空失败计数
func (c *SentinelController) ReportSuccess() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.failures = 0
}

// SentinelRepository 主备降级存储
// 主存储不可用时写入降级存储, 恢复任务会分别扫描两个存储
type SentinelRepository struct {
	primary    txmanager.TransactionRepository
	degraded   txmanager.TransactionRepository
	controller *SentinelController
}

var _ txmanager.DegradableRepository = (*SentinelRepository)(nil)

func NewSentinelRepository(primary, degraded txmanager.TransactionRepository, controller *SentinelController) *SentinelRepository {
	if controller == nil {
		controller = NewSentinelController(0, 0)
	}
	return &SentinelRepository{
		primary:    primary,
		degraded:   degraded,
		controller: controller,
	}
}

func (s *SentinelRepository) Degraded() bool {
	return s.controller.Degrade()
}

func (s *SentinelRepository) PrimaryRepository() txmanager.TransactionRepository {
	return s.primary
}

func (s *SentinelRepository) DegradedRepository() txmanager.TransactionRepository {
	return s.degraded
}

func (s *SentinelRepository) Controller() *SentinelController {
	return s.controller
}

func (s *SentinelRepository) Domain() string {
	return s.primary.Domain()
}

func (s *SentinelRepository) RootDomain() string {
	return s.primary.RootDomain()
}

func (s *SentinelRepository) Create(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	return s.write(ctx, "create", transaction,
		func(repo txmanager.TransactionRepository) (int, error) {
			return repo.Create(ctx, transaction)
		},
		func(repo txmanager.TransactionRepository) (int, error) {
			return repo.Create(ctx, transaction)
		})
}

// Update 降级存储中没有这条记录时(此前写在主存储中)按新建处理
func (s *SentinelRepository) Update(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	return s.write(ctx, "update", transaction,
		func(repo txmanager.TransactionRepository) (int, error) {
			return repo.Update(ctx, transaction)
		},
		func(repo txmanager.TransactionRepository) (int, error) {
			n, err := repo.Update(ctx, transaction)
			if !errors.Is(err, api.ErrOptimisticLock) {
				return n, err
			}
			found, ferr := repo.FindByXid(ctx, transaction.Xid())
			if ferr != nil || found != nil {
				return n, err
			}
			return repo.Create(ctx, transaction)
		})
}

// Delete 两个存储中都可能存在记录, 都需要删除
func (s *SentinelRepository) Delete(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	var total int
	if !s.controller.Degrade() {
		n, err := s.primary.Delete(ctx, transaction)
		if err != nil {
			s.controller.ReportFailure()
			log.WarnContextf(ctx, "primary repository delete failed, xid: %s, err: %v", transaction.Xid(), err)
		} else {
			s.controller.ReportSuccess()
			total += n
		}
	}

	n, err := s.degraded.Delete(ctx, transaction)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (s *SentinelRepository) FindByXid(ctx context.Context, xid api.TransactionXid) (*txmanager.Transaction, error) {
	return s.read(ctx, func(repo txmanager.TransactionRepository) (*txmanager.Transaction, error) {
		return repo.FindByXid(ctx, xid)
	})
}

func (s *SentinelRepository) FindByRootXid(ctx context.Context, rootXid api.TransactionXid) (*txmanager.Transaction, error) {
	return s.read(ctx, func(repo txmanager.TransactionRepository) (*txmanager.Transaction, error) {
		return repo.FindByRootXid(ctx, rootXid)
	})
}

// FindAllUnmodifiedSince 只查询当前正在使用的存储, 恢复任务会分别扫描主备存储
func (s *SentinelRepository) FindAllUnmodifiedSince(ctx context.Context, before time.Time, cursor string, pageSize int) (*txmanager.Page, error) {
	if s.controller.Degrade() {
		return s.degraded.FindAllUnmodifiedSince(ctx, before, cursor, pageSize)
	}
	return s.primary.FindAllUnmodifiedSince(ctx, before, cursor, pageSize)
}

func (s *SentinelRepository) Close() error {
	return errors.Join(s.primary.Close(), s.degraded.Close())
}

// write 优先写主存储
// 1. 乐观锁冲突属于正常的业务结果, 不降级
// 2. 其他错误上报熔断开关, 并改写降级存储
func (s *SentinelRepository) write(ctx context.Context, op string, transaction *txmanager.Transaction,
	primaryFn, degradedFn func(txmanager.TransactionRepository) (int, error)) (int, error) {
	if !s.controller.Degrade() {
		n, err := primaryFn(s.primary)
		if err == nil {
			s.controller.ReportSuccess()
			return n, nil
		}
		if errors.Is(err, api.ErrOptimisticLock) {
			return n, err
		}
		s.controller.ReportFailure()
		log.WarnContextf(ctx, "primary repository %s failed, fall back to degraded repository, xid: %s, err: %v", op, transaction.Xid(), err)
	}
	return degradedFn(s.degraded)
}

func (s *SentinelRepository) read(ctx context.Context, fn func(txmanager.TransactionRepository) (*txmanager.Transaction, error)) (*txmanager.Transaction, error) {
	if !s.controller.Degrade() {
		transaction, err := fn(s.primary)
		if err != nil {
			s.controller.ReportFailure()
			log.WarnContextf(ctx, "primary repository find failed, fall back to degraded repository, err: %v", err)
		} else if transaction != nil {
			return transaction, nil
		}
	}
	return fn(s.degraded)
}
