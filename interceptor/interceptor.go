package interceptor

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// Handler 拦截链中的下一步
type Handler func(ctx context.Context) (interface{}, error)

// CompensableInterceptor 可补偿方法的拦截器, 负责事务的发起和分支事务的推进
// 1. ROOT: 发起根事务, try 成功后提交, 失败后回滚
// 2. PROVIDER: 根据传递过来的事务上下文的状态执行 try/confirm/cancel
// 3. 其他角色直接放行
type CompensableInterceptor struct {
	manager *txmanager.TransactionManager
}

func NewCompensableInterceptor(manager *txmanager.TransactionManager) *CompensableInterceptor {
	return &CompensableInterceptor{manager: manager}
}

func (i *CompensableInterceptor) Intercept(ctx context.Context, jp JoinPoint, next Handler) (interface{}, error) {
	compensable := jp.Compensable()
	if compensable == nil {
		return next(ctx)
	}

	tc, err := transactionContextOf(ctx, jp)
	if err != nil {
		return nil, err
	}

	switch ClassifyRole(true, i.manager.IsTransactionActive(ctx), tc != nil) {
	case Root:
		return i.rootMethodProceed(ctx, jp, compensable, next)
	case Provider:
		return i.providerMethodProceed(ctx, jp, compensable, tc, next)
	default:
		return next(ctx)
	}
}

// rootMethodProceed 根事务
// try 的业务错误原样返回, 回滚失败只记录日志
func (i *CompensableInterceptor) rootMethodProceed(ctx context.Context, jp JoinPoint, compensable *Compensable, next Handler) (result interface{}, err error) {
	ctx, transaction := i.manager.Begin(ctx, compensable.identity(jp.Args()))
	defer func() {
		if cerr := i.manager.CleanAfterCompletion(ctx, transaction); cerr != nil && err == nil {
			result, err = nil, cerr
		}
	}()

	if result, err = next(ctx); err != nil {
		if rerr := i.manager.Rollback(ctx, compensable.AsyncCancel); rerr != nil {
			log.WarnContextf(ctx, "compensable transaction rollback failed after try failed, err: %v, rollback err: %v", err, rerr)
		}
		return nil, err
	}

	if err = i.manager.Commit(ctx, compensable.AsyncConfirm); err != nil {
		return nil, err
	}
	return result, nil
}

// providerMethodProceed 分支事务, 根据事务上下文的状态分别处理
// confirm/cancel 阶段不执行原方法, 返回方法返回值类型的零值
func (i *CompensableInterceptor) providerMethodProceed(ctx context.Context, jp JoinPoint, compensable *Compensable, tc *api.TransactionContext, next Handler) (result interface{}, err error) {
	var transaction *txmanager.Transaction
	defer func() {
		if cerr := i.manager.CleanAfterCompletion(ctx, transaction); cerr != nil && err == nil {
			result, err = nil, cerr
		}
	}()

	switch tc.Status {
	case api.Trying:
		ctx, transaction = i.manager.PropagationNewBegin(ctx, tc)
		if result, err = next(ctx); err != nil {
			// try 失败必须同步持久化
			if serr := i.manager.ChangeStatus(ctx, api.TryFailed, false); serr != nil {
				log.WarnContextf(ctx, "save try failed status failed, err: %v", serr)
			}
			return nil, err
		}
		// try 成功异步持久化, 丢失后由根事务决定最终结果
		if serr := i.manager.ChangeStatus(ctx, api.TrySuccess, true); serr != nil {
			log.WarnContextf(ctx, "save try success status failed, err: %v", serr)
		}
		return result, nil

	case api.Confirming:
		ctx, transaction, err = i.manager.PropagationExistBegin(ctx, tc)
		if errors.Is(err, api.ErrNoExistedTransaction) {
			log.InfoContextf(ctx, "branch transaction already confirmed, xid: %s", tc.Xid)
			return zeroResult(jp), nil
		}
		if err != nil {
			return nil, err
		}
		if err = i.manager.Commit(ctx, compensable.AsyncConfirm); err != nil {
			return nil, err
		}
		return zeroResult(jp), nil

	case api.Cancelling:
		ctx, transaction, err = i.manager.PropagationExistBegin(ctx, tc)
		if errors.Is(err, api.ErrNoExistedTransaction) {
			log.InfoContextf(ctx, "branch transaction already cancelled, xid: %s", tc.Xid)
			return zeroResult(jp), nil
		}
		if err != nil {
			return nil, err
		}
		// try 的结果尚不明确时不能回滚, 交给恢复任务在超时后处理
		if !rollbackAllowed(transaction.Status(), tc.ParticipantStatus) {
			return nil, fmt.Errorf("%w: branch transaction status: %s, participant status: %s, xid: %s",
				api.ErrIllegalTransactionStatus, transaction.Status(), tc.ParticipantStatus, tc.Xid)
		}
		if err = i.manager.Rollback(ctx, compensable.AsyncCancel); err != nil {
			return nil, err
		}
		return zeroResult(jp), nil

	default:
		return nil, api.SystemErrorf("unexpected transaction context status: %s, xid: %s", tc.Status, tc.Xid)
	}
}

func rollbackAllowed(local api.TransactionStatus, participant api.ParticipantStatus) bool {
	switch local {
	case api.TrySuccess, api.TryFailed, api.Cancelling:
		return true
	}
	return participant == api.ParticipantTrySuccess
}

// ResourceCoordinatorInterceptor 参与者登记拦截器
// 只在当前事务处于 TRYING 阶段时生效, 把本次调用登记为当前事务的参与者
type ResourceCoordinatorInterceptor struct {
	manager *txmanager.TransactionManager
}

func NewResourceCoordinatorInterceptor(manager *txmanager.TransactionManager) *ResourceCoordinatorInterceptor {
	return &ResourceCoordinatorInterceptor{manager: manager}
}

func (i *ResourceCoordinatorInterceptor) Intercept(ctx context.Context, jp JoinPoint, next Handler) (interface{}, error) {
	transaction := i.manager.CurrentTransaction(ctx)
	if transaction == nil || transaction.Status() != api.Trying {
		return next(bodyContext(ctx, jp))
	}

	ctx, participant, err := i.enlistParticipant(ctx, jp, transaction)
	if err != nil {
		return nil, err
	}
	if participant == nil {
		return next(bodyContext(ctx, jp))
	}

	result, err := next(bodyContext(ctx, jp))
	if err != nil {
		// 参与者已经持久化, 根事务回滚时可以找到它
		participant.SetStatus(api.ParticipantTryFailed)
		return nil, err
	}
	participant.SetStatus(api.ParticipantTrySuccess)
	return result, nil
}

// enlistParticipant 登记参与者
// 1. 角色为 NORMAL 时不登记
// 2. 基于当前事务的 xid 派生分支 xid
// 3. 调用上没有携带事务上下文时, 注入一个 TRYING 状态的事务上下文, 传递给远程的分支事务
// 4. 可补偿方法使用声明的 confirm/cancel 方法, 其他方法(远程调用的桩)在 confirm/cancel 阶段重新调用自身
func (i *ResourceCoordinatorInterceptor) enlistParticipant(ctx context.Context, jp JoinPoint, transaction *txmanager.Transaction) (context.Context, *txmanager.Participant, error) {
	editor, err := api.EditorOf(jp.ContextEditorKind())
	if err != nil {
		return ctx, nil, api.NewSystemError(err)
	}
	method := jp.Method()
	inbound := editor.Get(ctx, method.ParameterTypes, jp.Args())

	if ClassifyRole(jp.Compensable() != nil, true, inbound != nil) == Normal {
		return ctx, nil, nil
	}

	xid := api.NewBranchXid(transaction.Xid(), len(transaction.Participants()))
	if inbound == nil {
		tc := api.NewTransactionContext(transaction.RootXid(), xid, transaction.Status(), api.ParticipantTrying)
		ctx, _ = api.NewCarrierContext(ctx)
		if err = editor.Set(ctx, tc, method.ParameterTypes, jp.Args()); err != nil {
			return ctx, nil, api.NewSystemError(err)
		}
	}

	confirmMethod, cancelMethod := method.Name, method.Name
	if compensable := jp.Compensable(); compensable != nil {
		confirmMethod, cancelMethod = compensable.ConfirmMethod, compensable.CancelMethod
	}

	typeNames := make([]string, len(method.ParameterTypes))
	for idx, t := range method.ParameterTypes {
		typeNames[idx] = t.String()
	}

	participant := txmanager.NewParticipant(
		transaction.RootXid(),
		xid,
		component.NewInvocationContext(method.DeclaringType, confirmMethod, typeNames, invocationArgs(method.ParameterTypes, jp.Args())...),
		component.NewInvocationContext(method.DeclaringType, cancelMethod, typeNames, invocationArgs(method.ParameterTypes, jp.Args())...),
		jp.ContextEditorKind(),
	)
	if err = i.manager.EnlistParticipant(ctx, participant); err != nil {
		return ctx, nil, err
	}
	return ctx, participant, nil
}

// invocationArgs 持久化的实参, context.Context 和事务上下文在调用时重新填充
func invocationArgs(parameterTypes []reflect.Type, args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for idx, arg := range args {
		if idx < len(parameterTypes) {
			if t := parameterTypes[idx]; component.IsContextType(t) || t == api.TransactionContextType() {
				continue
			}
		}
		out[idx] = arg
	}
	return out
}

// bodyContext 可补偿方法内部发起的调用不应该继承当前调用的旁路事务上下文
func bodyContext(ctx context.Context, jp JoinPoint) context.Context {
	if jp.Compensable() == nil {
		return ctx
	}
	ctx, _ = api.NewCarrierContext(ctx)
	return ctx
}

// Chain 按顺序执行 CompensableInterceptor 和 ResourceCoordinatorInterceptor, 最后执行原方法
type Chain struct {
	compensable *CompensableInterceptor
	coordinator *ResourceCoordinatorInterceptor
}

func NewChain(manager *txmanager.TransactionManager) *Chain {
	return &Chain{
		compensable: NewCompensableInterceptor(manager),
		coordinator: NewResourceCoordinatorInterceptor(manager),
	}
}

// Invoke 执行一次被拦截的调用, 原方法最多执行一次
func (c *Chain) Invoke(ctx context.Context, jp JoinPoint) (interface{}, error) {
	return c.compensable.Intercept(ctx, jp, func(ctx context.Context) (interface{}, error) {
		return c.coordinator.Intercept(ctx, jp, jp.Proceed)
	})
}

// Call 构造 JoinPoint 并执行
func (c *Chain) Call(ctx context.Context, target component.TCCComponent, methodName string, args []interface{}, opts ...JoinPointOption) (interface{}, error) {
	jp, err := NewJoinPoint(target, methodName, args, opts...)
	if err != nil {
		return nil, api.NewSystemError(err)
	}
	return c.Invoke(ctx, jp)
}
