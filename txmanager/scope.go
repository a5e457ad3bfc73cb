package txmanager

import (
	"context"
	"sync"
)

// callScope 一次逻辑调用内活跃事务的栈
// 通过 ctx 显式传递, 同一条调用链上的嵌套调用共享同一个栈
// 注意: 不支持跨 goroutine 传播, 启动新的 goroutine 前应当调用 DetachCallScope
type callScope struct {
	mux   sync.Mutex
	stack []*Transaction
}

type scopeKey struct{}

// WithCallScope 返回挂载了调用栈的 ctx, 已经存在时原样返回
func WithCallScope(ctx context.Context) context.Context {
	if scopeOf(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, &callScope{})
}

// DetachCallScope 返回挂载了一个新的空调用栈的 ctx, 与原调用链上的事务隔离
func DetachCallScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, &callScope{})
}

func scopeOf(ctx context.Context) *callScope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*callScope)
	return s
}

func (s *callScope) push(transaction *Transaction) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.stack = append(s.stack, transaction)
}

func (s *callScope) peek() *Transaction {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// popIf 栈顶是 transaction 时出栈并返回 true
func (s *callScope) popIf(transaction *Transaction) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.stack) == 0 || s.stack[len(s.stack)-1] != transaction {
		return false
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
	return true
}
