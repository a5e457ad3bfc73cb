package txmanager

import (
	"context"
	"errors"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

// TCC Transaction Manager 事务管理器
// 1. 组成部分:
//  1.1 TransactionManager: 提供事务的发起、传播、参与者登记、提交、回滚
//  1.2 TransactionRepository: 事务存储模块, interface, 由使用方选择具体实现并注入
//  1.3 Terminator: 执行参与者 confirm/cancel 调用
//  1.4 callScope: 挂载在 ctx 上的活跃事务栈
// 2. 异步执行
//  2.1 terminatorExecutor 执行异步 confirm/cancel, 满了直接拒绝, 交由恢复任务兜底
//  2.2 saveExecutor 异步保存 TRY_SUCCESS 状态, 满了由调用方同步执行, 不丢弃

// TransactionManager 事务管理器
type TransactionManager struct {
	opts               *Options
	repository         TransactionRepository
	terminator         *component.Terminator
	terminatorExecutor *executor
	saveExecutor       *executor
}

// NewTransactionManager 初始化并返回事务管理器
func NewTransactionManager(repository TransactionRepository, terminator *component.Terminator, opts ...Option) *TransactionManager {
	m := TransactionManager{
		opts:       &Options{},
		repository: repository,
		terminator: terminator,
	}
	for _, opt := range opts {
		opt(m.opts)
	}
	repair(m.opts)

	m.terminatorExecutor = newExecutor("terminator executor", m.opts.PoolSize, m.opts.QueueSize, false)
	m.saveExecutor = newExecutor("save executor", m.opts.PoolSize, m.opts.SaveQueueSize, true)
	return &m
}

func (m *TransactionManager) Repository() TransactionRepository {
	return m.repository
}

func (m *TransactionManager) Terminator() *component.Terminator {
	return m.terminator
}

// Close 等待已经提交的异步任务执行完成
func (m *TransactionManager) Close() {
	m.terminatorExecutor.Wait()
	m.saveExecutor.Wait()
}

// Shutdown 等待异步任务执行完成并停止 worker, 之后提交的异步任务按照队列已满处理
func (m *TransactionManager) Shutdown() {
	m.terminatorExecutor.Shutdown()
	m.saveExecutor.Shutdown()
}

// Begin 发起根事务, 此时不做持久化, 在第一个参与者登记时才持久化
// 返回的 ctx 上挂载了当前事务, 后续的操作都需要使用该 ctx
func (m *TransactionManager) Begin(ctx context.Context, uniqueIdentity interface{}) (context.Context, *Transaction) {
	transaction := NewTransaction(uniqueIdentity)
	ctx = m.registerTransaction(ctx, transaction)
	return ctx, transaction
}

// PropagationNewBegin 根据传递过来的事务上下文发起分支事务
// 在调用方角色为 PROVIDER 且事务处于 TRYING 阶段时调用
func (m *TransactionManager) PropagationNewBegin(ctx context.Context, tc *api.TransactionContext) (context.Context, *Transaction) {
	transaction := NewBranchTransaction(tc)
	ctx = m.registerTransaction(ctx, transaction)
	return ctx, transaction
}

// PropagationExistBegin 根据传递过来的事务上下文加载分支事务
// 在调用方角色为 PROVIDER 且事务处于 CONFIRMING/CANCELLING 阶段时调用, 事务不存在时返回 api.ErrNoExistedTransaction
func (m *TransactionManager) PropagationExistBegin(ctx context.Context, tc *api.TransactionContext) (context.Context, *Transaction, error) {
	transaction, err := m.repository.FindByXid(ctx, tc.Xid)
	if err != nil {
		return ctx, nil, err
	}
	if transaction == nil {
		return ctx, nil, api.ErrNoExistedTransaction
	}
	ctx = m.registerTransaction(ctx, transaction)
	return ctx, transaction, nil
}

// CurrentTransaction 获取当前调用链上栈顶的事务
func (m *TransactionManager) CurrentTransaction(ctx context.Context) *Transaction {
	if s := scopeOf(ctx); s != nil {
		return s.peek()
	}
	return nil
}

// IsTransactionActive 当前调用链上是否存在活跃的事务
func (m *TransactionManager) IsTransactionActive(ctx context.Context) bool {
	return m.CurrentTransaction(ctx) != nil
}

// EnlistParticipant 添加参与者到当前事务
// 1. 版本号为 0 说明事务从未持久化过, 需要 Create
// 2. 否则 Update
func (m *TransactionManager) EnlistParticipant(ctx context.Context, participant *Participant) error {
	transaction := m.CurrentTransaction(ctx)
	if transaction == nil {
		return api.SystemErrorf("no active transaction while enlisting participant")
	}
	transaction.EnlistParticipant(participant)

	if transaction.Version() == 0 {
		_, err := m.repository.Create(ctx, transaction)
		return err
	}
	_, err := m.repository.Update(ctx, transaction)
	return err
}

// Commit 提交当前事务
// 1. 将事务状态置为 CONFIRMING 并持久化
// 2. 同步或者异步执行所有参与者的 confirm
func (m *TransactionManager) Commit(ctx context.Context, async bool) error {
	transaction := m.CurrentTransaction(ctx)
	if transaction == nil {
		return api.SystemErrorf("no active transaction while committing")
	}

	transaction.ChangeStatus(api.Confirming)
	if err := m.save(ctx, transaction); err != nil {
		return err
	}

	if !async {
		return m.commitTransaction(ctx, transaction)
	}

	// 异步执行的任务不应该随调用方的 ctx 一起被取消
	actx := context.WithoutCancel(ctx)
	if err := m.terminatorExecutor.Submit(actx, func() {
		_ = m.commitTransaction(actx, transaction)
	}); err != nil {
		log.WarnContextf(ctx, "compensable transaction async submit confirm failed, recovery job will try to confirm later, xid: %s, err: %v", transaction.xid, err)
	}
	return nil
}

// Rollback 回滚当前事务
// 1. 将事务状态置为 CANCELLING 并持久化
// 2. 同步或者异步执行所有参与者的 cancel
func (m *TransactionManager) Rollback(ctx context.Context, async bool) error {
	transaction := m.CurrentTransaction(ctx)
	if transaction == nil {
		return api.SystemErrorf("no active transaction while rolling back")
	}

	transaction.ChangeStatus(api.Cancelling)
	if err := m.save(ctx, transaction); err != nil {
		return err
	}

	if !async {
		return m.rollbackTransaction(ctx, transaction)
	}

	actx := context.WithoutCancel(ctx)
	if err := m.terminatorExecutor.Submit(actx, func() {
		_ = m.rollbackTransaction(actx, transaction)
	}); err != nil {
		log.WarnContextf(ctx, "compensable transaction async rollback failed, recovery job will try to rollback later, xid: %s, err: %v", transaction.xid, err)
		return &api.CancellingError{Err: err}
	}
	return nil
}

// commitTransaction 执行 confirm, 成功后删除事务记录
// 失败时尽力持久化已经完成的进度, 再返回 ConfirmingError
func (m *TransactionManager) commitTransaction(ctx context.Context, transaction *Transaction) error {
	err := transaction.Commit(DetachCallScope(ctx), m.terminator)
	if err == nil {
		err = m.remove(ctx, transaction)
	}
	if err == nil {
		return nil
	}

	if _, uerr := m.repository.Update(ctx, transaction); uerr != nil {
		log.DebugContextf(ctx, "save confirming progress failed, xid: %s, err: %v", transaction.xid, uerr)
	}
	log.WarnContextf(ctx, "compensable transaction confirm failed, recovery job will try to confirm later, xid: %s, err: %v", transaction.xid, err)
	return &api.ConfirmingError{Err: err}
}

// rollbackTransaction 执行 cancel, 成功后删除事务记录
func (m *TransactionManager) rollbackTransaction(ctx context.Context, transaction *Transaction) error {
	err := transaction.Rollback(DetachCallScope(ctx), m.terminator)
	if err == nil {
		err = m.remove(ctx, transaction)
	}
	if err == nil {
		return nil
	}

	if _, uerr := m.repository.Update(ctx, transaction); uerr != nil {
		log.DebugContextf(ctx, "save cancelling progress failed, xid: %s, err: %v", transaction.xid, uerr)
	}
	log.WarnContextf(ctx, "compensable transaction rollback failed, recovery job will try to rollback later, xid: %s, err: %v", transaction.xid, err)
	return &api.CancellingError{Err: err}
}

// CleanAfterCompletion 将事务从当前调用链的事务栈中移除
// 栈顶不是该事务时说明 begin/clean 没有成对出现, 返回 SystemError
func (m *TransactionManager) CleanAfterCompletion(ctx context.Context, transaction *Transaction) error {
	if transaction == nil {
		return nil
	}
	s := scopeOf(ctx)
	if s == nil || s.peek() == nil {
		return nil
	}
	if !s.popIf(transaction) {
		return api.SystemErrorf("illegal transaction when clean after completion, xid: %s", transaction.xid)
	}
	return nil
}

// ChangeStatus 修改当前事务的状态
// 异步保存只针对 TRY_SUCCESS, 保存前确认存储中的状态仍然是 TRYING, 避免覆盖恢复任务已经推进的状态
func (m *TransactionManager) ChangeStatus(ctx context.Context, status api.TransactionStatus, async bool) error {
	transaction := m.CurrentTransaction(ctx)
	if transaction == nil {
		return api.SystemErrorf("no active transaction while changing status")
	}
	transaction.ChangeStatus(status)

	if !async {
		return m.save(ctx, transaction)
	}

	actx := context.WithoutCancel(ctx)
	return m.saveExecutor.Submit(actx, func() {
		m.asyncSave(actx, transaction)
	})
}

func (m *TransactionManager) asyncSave(ctx context.Context, transaction *Transaction) {
	if transaction.Status() != api.TrySuccess || transaction.Version() == 0 {
		return
	}

	found, err := m.repository.FindByXid(ctx, transaction.xid)
	if err != nil {
		log.DebugContextf(ctx, "async save find transaction failed, xid: %s, err: %v", transaction.xid, err)
		return
	}
	if found == nil || found.Status() != api.Trying {
		return
	}

	if _, err = m.repository.Update(ctx, transaction); err != nil {
		log.DebugContextf(ctx, "async save transaction failed, xid: %s, err: %v", transaction.xid, err)
	}
}

// save 从未持久化过的事务没有参与者, 不需要保存
func (m *TransactionManager) save(ctx context.Context, transaction *Transaction) error {
	if transaction.Version() == 0 {
		return nil
	}
	_, err := m.repository.Update(ctx, transaction)
	return err
}

func (m *TransactionManager) remove(ctx context.Context, transaction *Transaction) error {
	if transaction.Version() == 0 {
		return nil
	}
	_, err := m.repository.Delete(ctx, transaction)
	return err
}

// registerTransaction 将事务压入当前调用链的事务栈
func (m *TransactionManager) registerTransaction(ctx context.Context, transaction *Transaction) context.Context {
	ctx = WithCallScope(ctx)
	scopeOf(ctx).push(transaction)
	return log.WithFields(ctx, "xid", transaction.xid.String())
}

// IsOptimisticLock 判断错误链上是否存在乐观锁冲突
func IsOptimisticLock(err error) bool {
	return errors.Is(err, api.ErrOptimisticLock)
}
