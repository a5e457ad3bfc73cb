package interceptor

import "github.com/xiaoxuxiansheng/tcctransaction/api"

// Compensable 可补偿方法的描述信息
// 一个方法只有在 JoinPoint 上携带了 Compensable 时, 才会被视为可补偿方法
type Compensable struct {
	// confirm 阶段调用的方法名
	ConfirmMethod string
	// cancel 阶段调用的方法名
	CancelMethod string
	// 根事务是否异步 confirm
	AsyncConfirm bool
	// 根事务是否异步 cancel
	AsyncCancel bool
	// 事务上下文编辑器种类, 为空时使用 api.EditorDefault
	ContextEditor string
	// 根据实参返回业务唯一键, 作为根事务 xid 的种子, 为空时随机生成 xid
	UniqueIdentity func(args []interface{}) interface{}
}

// IdentityAt 使用第 i 个实参作为业务唯一键
func IdentityAt(i int) func(args []interface{}) interface{} {
	return func(args []interface{}) interface{} {
		if i < 0 || i >= len(args) {
			return nil
		}
		return args[i]
	}
}

func (c *Compensable) editorKind() string {
	if c == nil || c.ContextEditor == "" {
		return api.EditorDefault
	}
	return c.ContextEditor
}

func (c *Compensable) identity(args []interface{}) interface{} {
	if c == nil || c.UniqueIdentity == nil {
		return nil
	}
	return c.UniqueIdentity(args)
}
