package component

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Invoker 按方法名调用组件实例上的方法
type Invoker interface {
	// ParameterTypes 返回方法声明的参数类型
	ParameterTypes(instance interface{}, methodName string) ([]reflect.Type, error)
	// Invoke 调用方法, args 与方法参数一一对应
	Invoke(ctx context.Context, instance interface{}, methodName string, args []interface{}) (interface{}, error)
}

// ReflectInvoker 基于反射的默认实现
// 实参类型与声明类型不一致时(例如从存储中反序列化出的 map/json.Number), 通过 json 转换为声明类型
type ReflectInvoker struct{}

func (ReflectInvoker) ParameterTypes(instance interface{}, methodName string) ([]reflect.Type, error) {
	m, err := methodOf(instance, methodName)
	if err != nil {
		return nil, err
	}
	return ParameterTypesOf(m.Type()), nil
}

func (ReflectInvoker) Invoke(ctx context.Context, instance interface{}, methodName string, args []interface{}) (interface{}, error) {
	m, err := methodOf(instance, methodName)
	if err != nil {
		return nil, err
	}
	return CallMethod(ctx, m, args)
}

// ParameterTypesOf 返回函数类型的参数列表
func ParameterTypesOf(fn reflect.Type) []reflect.Type {
	types := make([]reflect.Type, 0, fn.NumIn())
	for i := 0; i < fn.NumIn(); i++ {
		types = append(types, fn.In(i))
	}
	return types
}

// IsContextType 参数是否为 context.Context
func IsContextType(t reflect.Type) bool {
	return t == contextType
}

// ReturnTypeOf 返回函数类型的业务返回值类型, 只有 error 返回值时返回 nil
func ReturnTypeOf(fn reflect.Type) reflect.Type {
	if fn.NumOut() == 0 {
		return nil
	}
	if first := fn.Out(0); first != errorType {
		return first
	}
	return nil
}

// CallMethod 调用已经绑定接收者的方法
func CallMethod(ctx context.Context, m reflect.Value, args []interface{}) (interface{}, error) {
	mt := m.Type()
	if mt.IsVariadic() {
		return nil, fmt.Errorf("variadic method is not supported: %s", mt)
	}
	if len(args) != mt.NumIn() {
		return nil, fmt.Errorf("method %s expects %d args, got %d", mt, mt.NumIn(), len(args))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	in := make([]reflect.Value, mt.NumIn())
	for i := 0; i < mt.NumIn(); i++ {
		pt := mt.In(i)
		if pt == contextType {
			in[i] = reflect.ValueOf(ctx)
			continue
		}
		v, err := convertArg(args[i], pt)
		if err != nil {
			return nil, fmt.Errorf("convert arg %d of %s: %w", i, mt, err)
		}
		in[i] = v
	}

	return splitResults(m.Call(in))
}

func methodOf(instance interface{}, methodName string) (reflect.Value, error) {
	if instance == nil {
		return reflect.Value{}, fmt.Errorf("nil instance for method %s", methodName)
	}
	m := reflect.ValueOf(instance).MethodByName(methodName)
	if !m.IsValid() {
		return reflect.Value{}, fmt.Errorf("method %s not found on %T", methodName, instance)
	}
	return m, nil
}

func convertArg(arg interface{}, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(pt), nil
	}
	av := reflect.ValueOf(arg)
	if av.Type().AssignableTo(pt) {
		return av, nil
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(pt)
	if err = json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func splitResults(out []reflect.Value) (interface{}, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	var err error
	if last.Type() == errorType {
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, err
	}
	return out[0].Interface(), err
}
