package api

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// 事务上下文编辑器的种类, 参与者持久化的是种类名而不是编辑器实例
const (
	// 方法参数中存在 *TransactionContext 时读写该参数, 否则忽略
	EditorDefault = "default"
	// 必须通过方法参数传递事务上下文
	EditorParameter = "parameter"
	// 通过 ctx 上的 Carrier 旁路传递
	EditorContextual = "contextual"
	// 不传递事务上下文
	EditorNullable = "nullable"
)

// ContextEditor 事务上下文编辑器, 负责从一次调用中取出事务上下文, 或者把事务上下文注入到调用中
type ContextEditor interface {
	Get(ctx context.Context, parameterTypes []reflect.Type, args []interface{}) *TransactionContext
	Set(ctx context.Context, tc *TransactionContext, parameterTypes []reflect.Type, args []interface{}) error
}

var transactionContextType = reflect.TypeOf((*TransactionContext)(nil))

// TransactionContextType 返回 *TransactionContext 的反射类型
func TransactionContextType() reflect.Type {
	return transactionContextType
}

// ContextParamPosition 返回 *TransactionContext 参数的位置, 不存在时返回 -1
func ContextParamPosition(parameterTypes []reflect.Type) int {
	for i, t := range parameterTypes {
		if t == transactionContextType {
			return i
		}
	}
	return -1
}

// contextFromArgs 参数类型未知时退化为按实参的类型查找
func contextFromArgs(args []interface{}) *TransactionContext {
	for _, arg := range args {
		if tc, ok := arg.(*TransactionContext); ok && tc != nil {
			return tc
		}
	}
	return nil
}

type parameterEditor struct {
	strict bool
}

func (p parameterEditor) Get(_ context.Context, parameterTypes []reflect.Type, args []interface{}) *TransactionContext {
	if parameterTypes == nil {
		return contextFromArgs(args)
	}
	pos := ContextParamPosition(parameterTypes)
	if pos < 0 || pos >= len(args) {
		return nil
	}
	tc, _ := args[pos].(*TransactionContext)
	return tc
}

func (p parameterEditor) Set(_ context.Context, tc *TransactionContext, parameterTypes []reflect.Type, args []interface{}) error {
	pos := ContextParamPosition(parameterTypes)
	if pos < 0 || pos >= len(args) {
		if p.strict {
			return errors.New("no TransactionContext parameter exist while set TransactionContext with parameter editor")
		}
		return nil
	}
	args[pos] = tc
	return nil
}

type contextualEditor struct{}

func (contextualEditor) Get(ctx context.Context, _ []reflect.Type, _ []interface{}) *TransactionContext {
	if c := CarrierFromContext(ctx); c != nil {
		return c.Get()
	}
	return nil
}

func (contextualEditor) Set(ctx context.Context, tc *TransactionContext, _ []reflect.Type, _ []interface{}) error {
	c := CarrierFromContext(ctx)
	if c == nil {
		return errors.New("no carrier exist in context while set TransactionContext with contextual editor")
	}
	c.Set(tc)
	return nil
}

type nullableEditor struct{}

func (nullableEditor) Get(context.Context, []reflect.Type, []interface{}) *TransactionContext {
	return nil
}

func (nullableEditor) Set(context.Context, *TransactionContext, []reflect.Type, []interface{}) error {
	return nil
}

var editors = struct {
	mux sync.RWMutex
	m   map[string]ContextEditor
}{
	m: map[string]ContextEditor{
		EditorDefault:    parameterEditor{},
		EditorParameter:  parameterEditor{strict: true},
		EditorContextual: contextualEditor{},
		EditorNullable:   nullableEditor{},
	},
}

// RegisterEditor 注册自定义的编辑器种类, 例如某个 rpc 框架的 attachment 通道
func RegisterEditor(kind string, editor ContextEditor) error {
	editors.mux.Lock()
	defer editors.mux.Unlock()
	if _, ok := editors.m[kind]; ok {
		return fmt.Errorf("repeat context editor kind: %s", kind)
	}
	editors.m[kind] = editor
	return nil
}

// EditorOf 根据种类名获取编辑器, 空种类名对应 EditorDefault
func EditorOf(kind string) (ContextEditor, error) {
	if kind == "" {
		kind = EditorDefault
	}
	editors.mux.RLock()
	defer editors.mux.RUnlock()
	editor, ok := editors.m[kind]
	if !ok {
		return nil, fmt.Errorf("context editor kind: %s not existed", kind)
	}
	return editor, nil
}
