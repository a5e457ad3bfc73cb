package component

import (
	"bytes"
	"encoding/json"
)

// TCC Component TCC 组件模块
// 1. 定义: 参与者一侧真正执行 try/confirm/cancel 的业务对象, 需要由使用方实现
// 2. 使用流程:
// 2.1 启动时将组件注册到 Registry 中, 组件 ID 即 InvocationContext 中的 TargetType
// 2.2 confirm/cancel 阶段由 Terminator 根据 InvocationContext 找到组件, 并按方法名调用对应的方法
// 3. 方法约定
// 3.1 方法必须是导出方法, 参数中的 context.Context 由框架填充, *api.TransactionContext 由编辑器注入
// 3.2 最后一个返回值为 error 时视为调用结果

// TCCComponent 组件
type TCCComponent interface {
	// ID 返回组件唯一 id
	ID() string
}

// InvocationContext 一次方法调用的描述信息, 只包含可以持久化的数据
// 真正的查找和调用在 Terminator 中完成
type InvocationContext struct {
	// 组件 ID
	TargetType string `json:"targetType"`
	// 方法名
	MethodName string `json:"methodName"`
	// 参数类型, 仅用于排查问题
	ParameterTypes []string `json:"parameterTypes"`
	// 实参, context.Context 位置上存放 nil
	Args        []interface{}     `json:"args"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

func NewInvocationContext(targetType, methodName string, parameterTypes []string, args ...interface{}) *InvocationContext {
	return &InvocationContext{
		TargetType:     targetType,
		MethodName:     methodName,
		ParameterTypes: parameterTypes,
		Args:           args,
	}
}

func (i *InvocationContext) AddAttachment(key, value string) {
	if i.Attachments == nil {
		i.Attachments = make(map[string]string)
	}
	i.Attachments[key] = value
}

// UnmarshalJSON 数字参数以 json.Number 保留原始精度, 调用前再转换为方法声明的类型
func (i *InvocationContext) UnmarshalJSON(data []byte) error {
	type alias InvocationContext
	var v alias
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*i = InvocationContext(v)
	return nil
}
