package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/example/pkg"
	"github.com/xiaoxuxiansheng/tcctransaction/interceptor"
)

// TXStatus 组件侧记录的分支事务状态
type TXStatus string

func (t TXStatus) String() string {
	return string(t)
}

const (
	TXTried     TXStatus = "tried"     // 已执行 try 操作
	TXConfirmed TXStatus = "confirmed" // 已执行 confirm 操作
	TXCanceled  TXStatus = "canceled"  // 已执行 cancel 操作
)

// DataStatus 业务数据的状态
type DataStatus string

func (d DataStatus) String() string {
	return string(d)
}

const (
	DataFrozen     DataStatus = "frozen"     // 冻结态
	DataSuccessful DataStatus = "successful" // 成功态
)

var (
	// ErrTryRejected 业务数据已被其他事务冻结或使用, 或者 cancel 先于 try 到达
	ErrTryRejected = errors.New("try rejected")
	// ErrInvalidTXStatus 分支事务状态不允许当前操作
	ErrInvalidTXStatus = errors.New("invalid tx status")
)

// MockComponent 基于 redis 记录状态数据的 tcc 组件
// 以分支事务 xid 作为幂等键, 业务键取自请求中的 biz_id
type MockComponent struct {
	id     string
	client *redis_lock.Client
}

func NewMockComponent(id string, client *redis_lock.Client) *MockComponent {
	return &MockComponent{
		id:     id,
		client: client,
	}
}

func (m *MockComponent) ID() string {
	return m.id
}

// Compensable 组件 Try 方法对应的可补偿声明
func (m *MockComponent) Compensable() *interceptor.Compensable {
	return &interceptor.Compensable{
		ConfirmMethod: "Confirm",
		CancelMethod:  "Cancel",
	}
}

func (m *MockComponent) Try(ctx context.Context, tc *api.TransactionContext, req map[string]interface{}) error {
	xid := tc.Xid.Key()
	// 1. 基于 xid 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(m.id, xid), m.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 2. 基于 xid 幂等去重
	txStatus, err := m.client.Get(ctx, pkg.BuildTXKey(m.id, xid))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return err
	}
	switch txStatus {
	case TXTried.String(), TXConfirmed.String():
		// 重复的 try 请求
		return nil
	case TXCanceled.String():
		// 先 cancel 后 try, 拒绝
		return fmt.Errorf("%w: tx already canceled, xid: %s", ErrTryRejected, xid)
	default:
	}

	// 3. 将业务数据置为冻结态
	bizID := gocast.ToString(req["biz_id"])
	if _, err = m.client.Set(ctx, pkg.BuildTXDetailKey(m.id, xid), bizID); err != nil {
		return err
	}

	// 3.1 要求必须从无到有把数据置为冻结态, 此前已冻结或已使用则拒绝
	reply, err := m.client.SetNX(ctx, pkg.BuildDataKey(m.id, bizID), DataFrozen.String())
	if err != nil {
		return err
	}
	if reply != 1 {
		return fmt.Errorf("%w: biz data already frozen or used, biz_id: %s", ErrTryRejected, bizID)
	}

	// 4. 记录分支事务状态
	_, err = m.client.Set(ctx, pkg.BuildTXKey(m.id, xid), TXTried.String())
	return err
}

func (m *MockComponent) Confirm(ctx context.Context, tc *api.TransactionContext, req map[string]interface{}) error {
	xid := tc.Xid.Key()
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(m.id, xid), m.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 1. 只有 tried 状态可以 confirm, 已经 confirm 过直接返回成功
	txStatus, err := m.client.Get(ctx, pkg.BuildTXKey(m.id, xid))
	if err != nil {
		return err
	}
	switch txStatus {
	case TXConfirmed.String():
		return nil
	case TXTried.String():
	default:
		return fmt.Errorf("%w: %s, xid: %s", ErrInvalidTXStatus, txStatus, xid)
	}

	bizID, err := m.client.Get(ctx, pkg.BuildTXDetailKey(m.id, xid))
	if err != nil {
		return err
	}

	// 2. 业务数据此前必须为冻结态
	dataStatus, err := m.client.Get(ctx, pkg.BuildDataKey(m.id, bizID))
	if err != nil {
		return err
	}
	if dataStatus != DataFrozen.String() {
		return fmt.Errorf("%w: data status %s, biz_id: %s", ErrInvalidTXStatus, dataStatus, bizID)
	}

	// 3. 业务数据置为成功态
	if _, err = m.client.Set(ctx, pkg.BuildDataKey(m.id, bizID), DataSuccessful.String()); err != nil {
		return err
	}

	// 更新分支事务状态失败不影响结果, 重复 confirm 时数据状态校验会拦截
	_, _ = m.client.Set(ctx, pkg.BuildTXKey(m.id, xid), TXConfirmed.String())
	return nil
}

func (m *MockComponent) Cancel(ctx context.Context, tc *api.TransactionContext, req map[string]interface{}) error {
	xid := tc.Xid.Key()
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(m.id, xid), m.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 只要不是 confirmed, 都置为 canceled
	txStatus, err := m.client.Get(ctx, pkg.BuildTXKey(m.id, xid))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return err
	}
	if txStatus == TXConfirmed.String() {
		return fmt.Errorf("%w: %s, xid: %s", ErrInvalidTXStatus, txStatus, xid)
	}

	// 只有本事务 try 成功冻结过数据时才释放冻结记录
	if txStatus == TXTried.String() {
		bizID, err := m.client.Get(ctx, pkg.BuildTXDetailKey(m.id, xid))
		if err != nil && !errors.Is(err, redis_lock.ErrNil) {
			return err
		}
		if bizID != "" {
			if err = m.client.Del(ctx, pkg.BuildDataKey(m.id, bizID)); err != nil {
				return err
			}
		}
	}

	_, err = m.client.Set(ctx, pkg.BuildTXKey(m.id, xid), TXCanceled.String())
	return err
}
