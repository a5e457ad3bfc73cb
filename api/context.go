package api

import (
	"context"
	"sync"
)

// TransactionContext 事务上下文, 跟随远程调用传递给分支事务的参与方
// 编码格式由具体的传输层决定
type TransactionContext struct {
	RootXid           TransactionXid    `json:"rootXid"`
	Xid               TransactionXid    `json:"xid"`
	Status            TransactionStatus `json:"status"`
	ParticipantStatus ParticipantStatus `json:"participantStatus"`
	Attachments       map[string]string `json:"attachments,omitempty"`
}

func NewTransactionContext(rootXid, xid TransactionXid, status TransactionStatus, participantStatus ParticipantStatus) *TransactionContext {
	return &TransactionContext{
		RootXid:           rootXid.Clone(),
		Xid:               xid.Clone(),
		Status:            status,
		ParticipantStatus: participantStatus,
	}
}

func (c *TransactionContext) Clone() *TransactionContext {
	if c == nil {
		return nil
	}
	out := NewTransactionContext(c.RootXid, c.Xid, c.Status, c.ParticipantStatus)
	if len(c.Attachments) > 0 {
		out.Attachments = make(map[string]string, len(c.Attachments))
		for k, v := range c.Attachments {
			out.Attachments[k] = v
		}
	}
	return out
}

// Carrier 挂载在 ctx 上的旁路通道, 供不通过方法参数传递事务上下文的框架使用
type Carrier struct {
	mu sync.RWMutex
	tc *TransactionContext
}

func (c *Carrier) Get() *TransactionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tc
}

func (c *Carrier) Set(tc *TransactionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tc = tc
}

type carrierKey struct{}

// NewCarrierContext 返回挂载了一个空 Carrier 的子 ctx
func NewCarrierContext(ctx context.Context) (context.Context, *Carrier) {
	c := &Carrier{}
	return context.WithValue(ctx, carrierKey{}, c), c
}

// ContextWithTransactionContext 入站传输层收到事务上下文后使用, 返回携带该上下文的 ctx
func ContextWithTransactionContext(ctx context.Context, tc *TransactionContext) context.Context {
	ctx, c := NewCarrierContext(ctx)
	c.Set(tc)
	return ctx
}

// CarrierFromContext 取出 ctx 上的 Carrier, 不存在时返回 nil
func CarrierFromContext(ctx context.Context) *Carrier {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(carrierKey{}).(*Carrier)
	return c
}
