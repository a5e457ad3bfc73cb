package interceptor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
)

// Method 被拦截方法的签名
type Method struct {
	// 组件 ID
	DeclaringType  string
	Name           string
	ParameterTypes []reflect.Type
	// 业务返回值类型, 只返回 error 时为 nil
	ReturnType reflect.Type
}

// JoinPoint 一次被拦截的方法调用
type JoinPoint interface {
	Target() component.TCCComponent
	Method() Method
	// Args 实参, 编辑器会原地写入事务上下文
	Args() []interface{}
	// Compensable 不是可补偿方法时返回 nil
	Compensable() *Compensable
	ContextEditorKind() string
	// Proceed 执行原方法
	Proceed(ctx context.Context) (interface{}, error)
}

type JoinPointOption func(*methodJoinPoint)

// WithCompensable 将方法标记为可补偿方法
func WithCompensable(compensable *Compensable) JoinPointOption {
	return func(jp *methodJoinPoint) {
		jp.compensable = compensable
	}
}

// WithContextEditor 非可补偿方法(例如远程调用的桩)使用的事务上下文编辑器
func WithContextEditor(kind string) JoinPointOption {
	return func(jp *methodJoinPoint) {
		jp.editorKind = kind
	}
}

type methodJoinPoint struct {
	target      component.TCCComponent
	fn          reflect.Value
	method      Method
	args        []interface{}
	compensable *Compensable
	editorKind  string
}

// NewJoinPoint 根据组件和方法名构造 JoinPoint
func NewJoinPoint(target component.TCCComponent, methodName string, args []interface{}, opts ...JoinPointOption) (JoinPoint, error) {
	if target == nil {
		return nil, fmt.Errorf("nil target for method %s", methodName)
	}
	fn := reflect.ValueOf(target).MethodByName(methodName)
	if !fn.IsValid() {
		return nil, fmt.Errorf("method %s not found on %T", methodName, target)
	}
	ft := fn.Type()
	if len(args) != ft.NumIn() {
		return nil, fmt.Errorf("method %s.%s expects %d args, got %d", target.ID(), methodName, ft.NumIn(), len(args))
	}

	jp := methodJoinPoint{
		target: target,
		fn:     fn,
		method: Method{
			DeclaringType:  target.ID(),
			Name:           methodName,
			ParameterTypes: component.ParameterTypesOf(ft),
			ReturnType:     component.ReturnTypeOf(ft),
		},
		args: args,
	}
	for _, opt := range opts {
		opt(&jp)
	}
	if jp.compensable != nil {
		jp.editorKind = jp.compensable.editorKind()
	}
	if jp.editorKind == "" {
		jp.editorKind = api.EditorDefault
	}
	return &jp, nil
}

func (j *methodJoinPoint) Target() component.TCCComponent {
	return j.target
}

func (j *methodJoinPoint) Method() Method {
	return j.method
}

func (j *methodJoinPoint) Args() []interface{} {
	return j.args
}

func (j *methodJoinPoint) Compensable() *Compensable {
	return j.compensable
}

func (j *methodJoinPoint) ContextEditorKind() string {
	return j.editorKind
}

func (j *methodJoinPoint) Proceed(ctx context.Context) (interface{}, error) {
	return component.CallMethod(ctx, j.fn, j.args)
}

// zeroResult confirm/cancel 阶段不执行原方法, 返回方法返回值类型的零值
func zeroResult(jp JoinPoint) interface{} {
	rt := jp.Method().ReturnType
	if rt == nil {
		return nil
	}
	return reflect.Zero(rt).Interface()
}

// transactionContextOf 通过编辑器取出调用上携带的事务上下文
func transactionContextOf(ctx context.Context, jp JoinPoint) (*api.TransactionContext, error) {
	editor, err := api.EditorOf(jp.ContextEditorKind())
	if err != nil {
		return nil, api.NewSystemError(err)
	}
	return editor.Get(ctx, jp.Method().ParameterTypes, jp.Args()), nil
}
