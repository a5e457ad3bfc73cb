package component

import (
	"context"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
)

// Resolver 根据 TargetType 找到组件实例
type Resolver interface {
	Resolve(targetType string) (TCCComponent, error)
}

// Terminator 执行参与者的 confirm/cancel 调用
// 1. 通过 Resolver 找到组件实例
// 2. 通过编辑器把事务上下文注入到实参中
// 3. 通过 Invoker 调用方法, 任何失败都包装为 SystemError
type Terminator struct {
	resolver Resolver
	invoker  Invoker
}

type TerminatorOption func(*Terminator)

// WithInvoker 替换默认的反射调用实现
func WithInvoker(invoker Invoker) TerminatorOption {
	return func(t *Terminator) {
		if invoker != nil {
			t.invoker = invoker
		}
	}
}

func NewTerminator(resolver Resolver, opts ...TerminatorOption) *Terminator {
	t := &Terminator{
		resolver: resolver,
		invoker:  ReflectInvoker{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Invoke 方法名为空时不做任何处理
func (t *Terminator) Invoke(ctx context.Context, tc *api.TransactionContext, invocation *InvocationContext, editorKind string) (interface{}, error) {
	if invocation == nil || invocation.MethodName == "" {
		return nil, nil
	}

	// 1. 获得参与者组件
	target, err := t.resolver.Resolve(invocation.TargetType)
	if err != nil {
		return nil, api.NewSystemError(err)
	}

	parameterTypes, err := t.invoker.ParameterTypes(target, invocation.MethodName)
	if err != nil {
		return nil, api.NewSystemError(err)
	}

	// 2. 设置事务上下文到方法参数, 不修改持久化的描述信息
	args := make([]interface{}, len(invocation.Args))
	copy(args, invocation.Args)
	editor, err := api.EditorOf(editorKind)
	if err != nil {
		return nil, api.NewSystemError(err)
	}
	ctx, _ = api.NewCarrierContext(ctx)
	if err = editor.Set(ctx, tc, parameterTypes, args); err != nil {
		return nil, api.NewSystemError(err)
	}

	// 3. 执行方法
	result, err := t.invoker.Invoke(ctx, target, invocation.MethodName, args)
	if err != nil {
		return nil, &api.SystemError{Msg: invocation.TargetType + "." + invocation.MethodName, Err: err}
	}
	return result, nil
}
