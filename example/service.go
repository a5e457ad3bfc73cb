package example

import (
	"context"
	"fmt"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/interceptor"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// OrderService 发起根事务, 依次对所有组件执行 try
// 所有组件 try 成功后统一 confirm, 任意一个失败则统一 cancel
type OrderService struct {
	chain      *interceptor.Chain
	components []*MockComponent
}

func (o *OrderService) ID() string {
	return "order_service"
}

// NewOrderService 将组件注册到 registry 中, confirm/cancel 阶段通过 registry 找到组件
func NewOrderService(manager *txmanager.TransactionManager, registry *component.Registry, components ...*MockComponent) (*OrderService, error) {
	o := &OrderService{
		chain:      interceptor.NewChain(manager),
		components: components,
	}
	if err := registry.Register(o); err != nil {
		return nil, err
	}
	for _, c := range components {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Submit 以 bizID 作为业务唯一键发起根事务
func (o *OrderService) Submit(ctx context.Context, bizID string) error {
	_, err := o.chain.Call(ctx, o, "Place", []interface{}{nil, (*api.TransactionContext)(nil), bizID},
		interceptor.WithCompensable(&interceptor.Compensable{
			ConfirmMethod:  "ConfirmPlace",
			CancelMethod:   "CancelPlace",
			UniqueIdentity: interceptor.IdentityAt(2),
		}))
	return err
}

func (o *OrderService) Place(ctx context.Context, _ *api.TransactionContext, bizID string) error {
	req := map[string]interface{}{"biz_id": bizID}
	for _, c := range o.components {
		if _, err := o.chain.Call(ctx, c, "Try", []interface{}{nil, (*api.TransactionContext)(nil), req},
			interceptor.WithCompensable(c.Compensable())); err != nil {
			return fmt.Errorf("component %s try failed: %w", c.ID(), err)
		}
	}
	return nil
}

func (o *OrderService) ConfirmPlace(context.Context, *api.TransactionContext, string) error {
	return nil
}

func (o *OrderService) CancelPlace(context.Context, *api.TransactionContext, string) error {
	return nil
}
