package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// TransactionRecovery 异常事务恢复
//  1. 作用: 事务已经完成 try, 但是 confirm/cancel 没有执行成功时, 由恢复任务兜底推进到终态
//  2. 实现方式: 分页扫描长时间未更新的事务 + 有界协程池并发恢复 + 恢复锁
//     2.1 进程内存储使用进程内的锁, 共享存储使用分布式锁, 避免多个实例重复扫描
//     2.2 乐观锁冲突说明事务正在被其他流程推进, 直接忽略
type TransactionRecovery struct {
	opts       *Options
	repository txmanager.TransactionRepository
	terminator *component.Terminator
	pool       *semaphore.Weighted
	ceiling    int
}

func NewTransactionRecovery(repository txmanager.TransactionRepository, terminator *component.Terminator, opts ...Option) *TransactionRecovery {
	r := TransactionRecovery{
		opts:       &Options{},
		repository: repository,
		terminator: terminator,
	}
	for _, opt := range opts {
		opt(r.opts)
	}
	repair(r.opts)

	r.pool = semaphore.NewWeighted(int64(r.opts.ConcurrentRecoveryThreadCount))
	r.ceiling = logCeiling(r.opts.FetchPageSize)
	return &r
}

// StartRecover 执行一次恢复, 所有错误都在内部消化
func (r *TransactionRecovery) StartRecover(ctx context.Context) {
	_ = r.sweep(ctx)
}

// sweep 主备降级存储需要分别扫描, 主存储处于降级状态时跳过主存储
func (r *TransactionRecovery) sweep(ctx context.Context) error {
	degradable, ok := r.repository.(txmanager.DegradableRepository)
	if !ok {
		return r.recoverRepository(ctx, r.repository)
	}

	var errs []error
	if !degradable.Degraded() {
		errs = append(errs, r.recoverRepository(ctx, degradable.PrimaryRepository()))
	}
	errs = append(errs, r.recoverRepository(ctx, degradable.DegradedRepository()))
	return errors.Join(errs...)
}

func (r *TransactionRecovery) lockOf(repository txmanager.TransactionRepository) RecoveryLock {
	if _, ok := repository.(txmanager.LocalStorable); ok {
		return DefaultLock
	}
	return r.opts.RecoveryLock
}

// recoverRepository 对一个存储执行恢复
// 1. 加锁失败说明其他恢复任务正在执行, 直接返回
// 2. 按游标逐页获取过期的事务并发恢复, 直到获取到空页
func (r *TransactionRecovery) recoverRepository(ctx context.Context, repository txmanager.TransactionRepository) error {
	lock := r.lockOf(repository)
	if !lock.TryLock(ctx) {
		return nil
	}
	defer lock.Unlock(ctx)

	var (
		cursor string
		total  int
	)
	for {
		before := r.opts.Clock().Add(-r.opts.RecoverDuration)
		page, err := repository.FindAllUnmodifiedSince(ctx, before, cursor, r.opts.FetchPageSize)
		if err != nil {
			r.opts.Metrics.incSweep("failed")
			log.ErrorContextf(ctx, "recovery failed from repository: %s, err: %v", repository.Domain(), err)
			return err
		}
		if len(page.Items) == 0 {
			break
		}

		if err = r.recoverPage(ctx, repository, page.Items); err != nil {
			r.opts.Metrics.incSweep("failed")
			log.ErrorContextf(ctx, "recovery failed from repository: %s, err: %v", repository.Domain(), err)
			return err
		}
		total += len(page.Items)

		// 游标没有前进时停止, 避免存储实现有误时死循环
		if page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	r.opts.Metrics.incSweep("succeeded")
	log.DebugContextf(ctx, "total recovery count %d from repository: %s", total, repository.Domain())
	return nil
}

// recoverPage 并发恢复一页事务, 等待整批完成, 超时后放弃本批次
// 超时的任务不会被打断, 对应的事务在下一次扫描时继续处理
func (r *TransactionRecovery) recoverPage(ctx context.Context, repository txmanager.TransactionRepository, transactions []*txmanager.Transaction) error {
	batchCtx, cancel := context.WithTimeout(ctx, r.opts.BatchTimeout)
	defer cancel()

	throttle := newLogThrottle(r.ceiling)
	var wg sync.WaitGroup
	var acquireErr error
	for _, transaction := range transactions {
		if acquireErr = r.pool.Acquire(batchCtx, 1); acquireErr != nil {
			break
		}
		wg.Add(1)
		go func(transaction *txmanager.Transaction) {
			defer func() {
				r.pool.Release(1)
				wg.Done()
			}()
			r.recoverTransaction(ctx, repository, transaction, throttle)
		}(transaction)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if acquireErr != nil {
			return fmt.Errorf("dispatch recovery tasks: %w", acquireErr)
		}
		return nil
	case <-batchCtx.Done():
		return fmt.Errorf("wait recovery tasks: %w", batchCtx.Err())
	}
}

// recoverTransaction 根据事务的类型和状态决定如何恢复
func (r *TransactionRecovery) recoverTransaction(ctx context.Context, repository txmanager.TransactionRepository, transaction *txmanager.Transaction, throttle *logThrottle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.opts.Metrics.incFailed(transaction.TransactionType())
			log.ErrorContextf(ctx, "recover transaction panic, xid: %s, panic: %v", transaction.Xid(), rec)
		}
	}()

	if transaction.RetriedCount() > r.opts.MaxRetryCount {
		r.opts.Metrics.incSkipped(transaction.TransactionType())
		switch throttle.maxRetry() {
		case logPrint:
			log.ErrorContextf(ctx, "recover failed with max retry count, will not try again. xid: %s, status: %s, retried count: %d",
				transaction.Xid(), transaction.Status(), transaction.RetriedCount())
		case logLast:
			log.ErrorContextf(ctx, "too many transactions exceed max retry count during one page recover process, will not print errors again")
		}
		return
	}

	err := r.advance(ctx, repository, transaction)
	if err == nil {
		return
	}

	if txmanager.IsOptimisticLock(err) {
		r.opts.Metrics.incConflict(transaction.TransactionType())
		log.DebugContextf(ctx, "optimistic lock conflict happened while recover, xid: %s, status: %s, retried count: %d",
			transaction.Xid(), transaction.Status(), transaction.RetriedCount())
		return
	}

	r.opts.Metrics.incFailed(transaction.TransactionType())
	switch throttle.failed() {
	case logPrint:
		log.ErrorContextf(ctx, "recover failed, xid: %s, status: %s, retried count: %d, err: %v",
			transaction.Xid(), transaction.Status(), transaction.RetriedCount(), err)
	case logLast:
		log.ErrorContextf(ctx, "too many transactions recover failed during one page recover process, will not print errors again")
	}
}

// advance 恢复决策
// 1. 根事务: CONFIRMING 提交, CANCELLING 回滚, 其他状态说明仍在执行, 忽略
// 2. 分支事务: CONFIRMING 提交, CANCELLING/TRY_FAILED 回滚, TRYING 忽略
// 3. 分支事务 TRY_SUCCESS: 以根事务为准, 根事务不存在说明已经回滚完成
func (r *TransactionRecovery) advance(ctx context.Context, repository txmanager.TransactionRepository, transaction *txmanager.Transaction) error {
	if transaction.TransactionType() == txmanager.Root {
		switch transaction.Status() {
		case api.Confirming:
			return r.commit(ctx, repository, transaction)
		case api.Cancelling:
			return r.rollback(ctx, repository, transaction)
		default:
			return nil
		}
	}

	switch transaction.Status() {
	case api.Confirming:
		return r.commit(ctx, repository, transaction)
	case api.Cancelling, api.TryFailed:
		return r.rollback(ctx, repository, transaction)
	case api.TrySuccess:
		if repository.RootDomain() == "" {
			return nil
		}
		root, err := repository.FindByRootXid(ctx, transaction.RootXid())
		if err != nil {
			return err
		}
		if root == nil {
			return r.rollback(ctx, repository, transaction)
		}
		switch root.Status() {
		case api.Confirming:
			return r.commit(ctx, repository, transaction)
		case api.Cancelling:
			return r.rollback(ctx, repository, transaction)
		default:
			return nil
		}
	default:
		return nil
	}
}

// commit 重试次数加一, 持久化 CONFIRMING 状态后执行 confirm, 成功后删除
func (r *TransactionRecovery) commit(ctx context.Context, repository txmanager.TransactionRepository, transaction *txmanager.Transaction) error {
	transaction.AddRetriedCount()
	transaction.ChangeStatus(api.Confirming)
	if _, err := repository.Update(ctx, transaction); err != nil {
		return err
	}
	if err := transaction.Commit(txmanager.DetachCallScope(ctx), r.terminator); err != nil {
		return err
	}
	if _, err := repository.Delete(ctx, transaction); err != nil {
		return err
	}
	r.opts.Metrics.incRecovered(transaction.TransactionType(), actionCommit)
	return nil
}

func (r *TransactionRecovery) rollback(ctx context.Context, repository txmanager.TransactionRepository, transaction *txmanager.Transaction) error {
	transaction.AddRetriedCount()
	transaction.ChangeStatus(api.Cancelling)
	if _, err := repository.Update(ctx, transaction); err != nil {
		return err
	}
	if err := transaction.Rollback(txmanager.DetachCallScope(ctx), r.terminator); err != nil {
		return err
	}
	if _, err := repository.Delete(ctx, transaction); err != nil {
		return err
	}
	r.opts.Metrics.incRecovered(transaction.TransactionType(), actionRollback)
	return nil
}

type logDecision int

const (
	logSilent logDecision = iota
	logPrint
	logLast
)

// logThrottle 一页内同类错误日志的计数, 达到上限后打印一条提示, 之后不再打印
type logThrottle struct {
	mux           sync.Mutex
	ceiling       int
	maxRetryCount int
	failedCount   int
}

func newLogThrottle(ceiling int) *logThrottle {
	return &logThrottle{ceiling: ceiling}
}

func (t *logThrottle) maxRetry() logDecision {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.next(&t.maxRetryCount)
}

func (t *logThrottle) failed() logDecision {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.next(&t.failedCount)
}

func (t *logThrottle) next(count *int) logDecision {
	defer func() { *count++ }()
	switch {
	case *count < t.ceiling:
		return logPrint
	case *count == t.ceiling:
		return logLast
	default:
		return logSilent
	}
}
