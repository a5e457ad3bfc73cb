package interceptor

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/repository"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

var errSoldOut = errors.New("sold out")

var reserveCompensable = &Compensable{
	ConfirmMethod: "ConfirmReserve",
	CancelMethod:  "CancelReserve",
}

// inventory 库存服务, 作为分支事务的提供方
type inventory struct {
	mux       sync.Mutex
	soldOut   map[string]bool
	reserved  map[string]int
	confirmed map[string]int
	cancelled map[string]int
}

func newInventory() *inventory {
	return &inventory{
		soldOut:   make(map[string]bool),
		reserved:  make(map[string]int),
		confirmed: make(map[string]int),
		cancelled: make(map[string]int),
	}
}

func (i *inventory) ID() string {
	return "inventory"
}

func (i *inventory) Reserve(_ context.Context, _ *api.TransactionContext, sku string) error {
	i.mux.Lock()
	defer i.mux.Unlock()
	if i.soldOut[sku] {
		return errSoldOut
	}
	i.reserved[sku]++
	return nil
}

func (i *inventory) ConfirmReserve(_ context.Context, _ *api.TransactionContext, sku string) error {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.confirmed[sku]++
	return nil
}

func (i *inventory) CancelReserve(_ context.Context, _ *api.TransactionContext, sku string) error {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.cancelled[sku]++
	return nil
}

func (i *inventory) Quote(context.Context, *api.TransactionContext, string) (int, error) {
	return 42, nil
}

func (i *inventory) stats(sku string) (reserved, confirmed, cancelled int) {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.reserved[sku], i.confirmed[sku], i.cancelled[sku]
}

// inventoryStub 库存服务在订单侧的远程调用桩
// 调用跨越进程边界时不携带调用方的事务栈, 事务上下文通过参数传递
type inventoryStub struct {
	chain    *Chain
	provider *inventory
	manager  *txmanager.TransactionManager
}

func (s *inventoryStub) ID() string {
	return "inventory_stub"
}

func (s *inventoryStub) Reserve(ctx context.Context, tc *api.TransactionContext, sku string) error {
	_, err := s.chain.Call(txmanager.DetachCallScope(ctx), s.provider, "Reserve", []interface{}{nil, tc, sku},
		WithCompensable(reserveCompensable))
	if tc != nil && tc.Status == api.Trying {
		// 等待 TRY_SUCCESS 状态落盘, 模拟响应返回前提供方已经完成保存
		s.manager.Close()
	}
	return err
}

// orderService 订单服务, 发起根事务
type orderService struct {
	chain     *Chain
	stub      *inventoryStub
	mux       sync.Mutex
	confirmed []string
	cancelled []string
}

func (o *orderService) ID() string {
	return "order"
}

func (o *orderService) Submit(ctx context.Context, orderID, sku string) error {
	_, err := o.chain.Call(ctx, o, "Place", []interface{}{nil, (*api.TransactionContext)(nil), orderID, sku},
		WithCompensable(&Compensable{
			ConfirmMethod:  "ConfirmPlace",
			CancelMethod:   "CancelPlace",
			UniqueIdentity: IdentityAt(2),
		}))
	return err
}

func (o *orderService) Place(ctx context.Context, _ *api.TransactionContext, _ string, sku string) error {
	_, err := o.chain.Call(ctx, o.stub, "Reserve", []interface{}{nil, (*api.TransactionContext)(nil), sku})
	return err
}

func (o *orderService) ConfirmPlace(_ context.Context, _ *api.TransactionContext, orderID string, _ string) error {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.confirmed = append(o.confirmed, orderID)
	return nil
}

func (o *orderService) CancelPlace(_ context.Context, _ *api.TransactionContext, orderID string, _ string) error {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.cancelled = append(o.cancelled, orderID)
	return nil
}

type world struct {
	order            *orderService
	inventory        *inventory
	orderRepo        *repository.MemoryRepository
	inventoryRepo    *repository.MemoryRepository
	orderManager     *txmanager.TransactionManager
	inventoryManager *txmanager.TransactionManager
	inventoryChain   *Chain
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := repository.NewMemoryStore()
	w := &world{
		inventory:     newInventory(),
		orderRepo:     repository.NewMemoryRepository(store, "order", "order"),
		inventoryRepo: repository.NewMemoryRepository(store, "inventory", "order"),
	}

	inventoryRegistry := component.NewRegistry()
	require.NoError(t, inventoryRegistry.Register(w.inventory))
	w.inventoryManager = txmanager.NewTransactionManager(w.inventoryRepo, component.NewTerminator(inventoryRegistry))
	w.inventoryChain = NewChain(w.inventoryManager)

	orderRegistry := component.NewRegistry()
	w.orderManager = txmanager.NewTransactionManager(w.orderRepo, component.NewTerminator(orderRegistry))
	stub := &inventoryStub{
		chain:    w.inventoryChain,
		provider: w.inventory,
		manager:  w.inventoryManager,
	}
	w.order = &orderService{
		chain: NewChain(w.orderManager),
		stub:  stub,
	}
	require.NoError(t, orderRegistry.Register(w.order))
	require.NoError(t, orderRegistry.Register(stub))

	t.Cleanup(func() {
		w.orderManager.Close()
		w.inventoryManager.Close()
	})
	return w
}

func pending(t *testing.T, repo txmanager.TransactionRepository) []*txmanager.Transaction {
	t.Helper()
	page, err := repo.FindAllUnmodifiedSince(context.Background(), time.Now().Add(time.Hour), "", 100)
	require.NoError(t, err)
	return page.Items
}

func TestClassifyRole(t *testing.T) {
	tests := []struct {
		compensable, active, inbound bool
		want                         ParticipantRole
	}{
		{true, false, false, Root},
		{true, false, true, Provider},
		{true, true, false, Consumer},
		{true, true, true, Consumer},
		{false, true, false, Consumer},
		{false, true, true, Normal},
		{false, false, false, Normal},
		{false, false, true, Normal},
	}
	for _, tt := range tests {
		got := ClassifyRole(tt.compensable, tt.active, tt.inbound)
		assert.Equal(t, tt.want, got, "compensable=%v active=%v inbound=%v", tt.compensable, tt.active, tt.inbound)
	}
	assert.Equal(t, "PROVIDER", Provider.String())
}

func TestSubmit_Commit(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.order.Submit(context.Background(), "o-1", "sku-1"))

	reserved, confirmed, cancelled := w.inventory.stats("sku-1")
	assert.Equal(t, 1, reserved)
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 0, cancelled)
	assert.Equal(t, []string{"o-1"}, w.order.confirmed)
	assert.Empty(t, w.order.cancelled)

	assert.Empty(t, pending(t, w.orderRepo))
	assert.Empty(t, pending(t, w.inventoryRepo))
}

func TestSubmit_TryFailedRollsBack(t *testing.T) {
	w := newWorld(t)
	w.inventory.soldOut["sku-2"] = true

	err := w.order.Submit(context.Background(), "o-2", "sku-2")
	assert.ErrorIs(t, err, errSoldOut)

	reserved, confirmed, cancelled := w.inventory.stats("sku-2")
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 0, confirmed)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, []string{"o-2"}, w.order.cancelled)
	assert.Empty(t, w.order.confirmed)

	assert.Empty(t, pending(t, w.orderRepo))
	assert.Empty(t, pending(t, w.inventoryRepo))
}

func TestSubmit_RootEnlistsItself(t *testing.T) {
	w := newWorld(t)
	// confirm 失败后事务记录保留, 可以看到登记的参与者
	w.orderManager = txmanager.NewTransactionManager(w.orderRepo, component.NewTerminator(component.NewRegistry()))
	w.order.chain = NewChain(w.orderManager)

	err := w.order.Submit(context.Background(), "o-3", "sku-3")
	var confirmingErr *api.ConfirmingError
	require.ErrorAs(t, err, &confirmingErr)

	items := pending(t, w.orderRepo)
	require.Len(t, items, 1)
	root := items[0]
	assert.Equal(t, txmanager.Root, root.TransactionType())
	assert.Equal(t, api.Confirming, root.Status())
	assert.Equal(t, []byte("o-3"), root.Xid().GlobalTransactionID())

	participants := root.Participants()
	require.Len(t, participants, 2)
	assert.Equal(t, "order", participants[0].ConfirmInvocation().TargetType)
	assert.Equal(t, "ConfirmPlace", participants[0].ConfirmInvocation().MethodName)
	assert.Equal(t, "CancelPlace", participants[0].CancelInvocation().MethodName)
	assert.Equal(t, "inventory_stub", participants[1].ConfirmInvocation().TargetType)
	assert.Equal(t, "Reserve", participants[1].ConfirmInvocation().MethodName)
	assert.Equal(t, "Reserve", participants[1].CancelInvocation().MethodName)
	assert.Equal(t, api.ParticipantTrySuccess, participants[1].Status())
	assert.True(t, api.NewBranchXid(root.Xid(), 1).Equal(participants[1].Xid()))

	// 持久化的实参中不包含 context.Context 和事务上下文
	assert.Nil(t, participants[1].ConfirmInvocation().Args[0])
	assert.Nil(t, participants[1].ConfirmInvocation().Args[1])
	assert.Equal(t, "sku-3", participants[1].ConfirmInvocation().Args[2])

	// 分支事务已经保存了 TRY_SUCCESS
	branches := pending(t, w.inventoryRepo)
	require.Len(t, branches, 1)
	assert.Equal(t, txmanager.Branch, branches[0].TransactionType())
	assert.Equal(t, api.TrySuccess, branches[0].Status())
	assert.True(t, participants[1].Xid().Equal(branches[0].Xid()))
	assert.True(t, root.Xid().Equal(branches[0].RootXid()))
}

func newTryingBranch(t *testing.T, w *world) *api.TransactionContext {
	t.Helper()
	root := api.NewXid(nil)
	tc := api.NewTransactionContext(root, api.NewBranchXid(root, 0), api.Trying, api.ParticipantTrying)
	ctx, branch := w.inventoryManager.PropagationNewBegin(context.Background(), tc)
	require.NoError(t, w.inventoryManager.EnlistParticipant(ctx, txmanager.NewParticipant(
		branch.RootXid(),
		api.NewBranchXid(branch.Xid(), 0),
		component.NewInvocationContext("inventory", "ConfirmReserve", nil, nil, nil, "sku-4"),
		component.NewInvocationContext("inventory", "CancelReserve", nil, nil, nil, "sku-4"),
		api.EditorDefault,
	)))
	require.NoError(t, w.inventoryManager.CleanAfterCompletion(ctx, branch))
	return tc
}

func TestProvider_CancelBeforeTryResult(t *testing.T) {
	w := newWorld(t)
	tc := newTryingBranch(t, w)

	cancelling := api.NewTransactionContext(tc.RootXid, tc.Xid, api.Cancelling, api.ParticipantTrying)
	_, err := w.inventoryChain.Call(context.Background(), w.inventory, "Reserve", []interface{}{nil, cancelling, "sku-4"},
		WithCompensable(reserveCompensable))
	assert.ErrorIs(t, err, api.ErrIllegalTransactionStatus)

	_, _, cancelled := w.inventory.stats("sku-4")
	assert.Equal(t, 0, cancelled)
	found, err := w.inventoryRepo.FindByXid(context.Background(), tc.Xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, api.Trying, found.Status())

	// 调用方确认 try 成功后允许回滚
	cancelling.ParticipantStatus = api.ParticipantTrySuccess
	_, err = w.inventoryChain.Call(context.Background(), w.inventory, "Reserve", []interface{}{nil, cancelling, "sku-4"},
		WithCompensable(reserveCompensable))
	require.NoError(t, err)
	_, _, cancelled = w.inventory.stats("sku-4")
	assert.Equal(t, 1, cancelled)
	found, err = w.inventoryRepo.FindByXid(context.Background(), tc.Xid)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestProvider_MissingBranchReturnsZeroValue(t *testing.T) {
	w := newWorld(t)
	root := api.NewXid(nil)

	for _, status := range []api.TransactionStatus{api.Confirming, api.Cancelling} {
		tc := api.NewTransactionContext(root, api.NewBranchXid(root, 0), status, api.ParticipantTrySuccess)
		result, err := w.inventoryChain.Call(context.Background(), w.inventory, "Quote", []interface{}{nil, tc, "sku-5"},
			WithCompensable(&Compensable{ConfirmMethod: "ConfirmReserve", CancelMethod: "CancelReserve"}))
		require.NoError(t, err)
		assert.Equal(t, 0, result)
	}
}

func TestProvider_TryPersistsBranch(t *testing.T) {
	w := newWorld(t)
	root := api.NewXid(nil)
	tc := api.NewTransactionContext(root, api.NewBranchXid(root, 0), api.Trying, api.ParticipantTrying)

	result, err := w.inventoryChain.Call(context.Background(), w.inventory, "Quote", []interface{}{nil, tc, "sku-6"},
		WithCompensable(reserveCompensable))
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	w.inventoryManager.Close()

	found, err := w.inventoryRepo.FindByXid(context.Background(), tc.Xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, api.TrySuccess, found.Status())
	require.Len(t, found.Participants(), 1)
	assert.Equal(t, "ConfirmReserve", found.Participants()[0].ConfirmInvocation().MethodName)
	assert.False(t, w.inventoryManager.IsTransactionActive(context.Background()))
}

func TestNormalCallIsNotIntercepted(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, func() error {
		_, err := w.inventoryChain.Call(context.Background(), w.inventory, "Reserve",
			[]interface{}{nil, (*api.TransactionContext)(nil), "sku-7"})
		return err
	}())

	reserved, _, _ := w.inventory.stats("sku-7")
	assert.Equal(t, 1, reserved)
	assert.Empty(t, pending(t, w.inventoryRepo))
}

func TestNewJoinPoint(t *testing.T) {
	inv := newInventory()

	_, err := NewJoinPoint(inv, "Missing", nil)
	assert.Error(t, err)

	_, err = NewJoinPoint(inv, "Reserve", []interface{}{nil})
	assert.Error(t, err)

	jp, err := NewJoinPoint(inv, "Quote", []interface{}{nil, nil, "sku"}, WithCompensable(&Compensable{}))
	require.NoError(t, err)
	assert.Equal(t, "inventory", jp.Method().DeclaringType)
	assert.Equal(t, reflect.TypeOf(0), jp.Method().ReturnType)
	assert.Equal(t, api.EditorDefault, jp.ContextEditorKind())
	assert.Equal(t, 0, zeroResult(jp))

	jp, err = NewJoinPoint(inv, "Reserve", []interface{}{nil, nil, "sku"}, WithContextEditor(api.EditorNullable))
	require.NoError(t, err)
	assert.Nil(t, jp.Method().ReturnType)
	assert.Equal(t, api.EditorNullable, jp.ContextEditorKind())
	assert.Nil(t, zeroResult(jp))
}

func TestInvocationArgs(t *testing.T) {
	types := []reflect.Type{
		reflect.TypeOf((*context.Context)(nil)).Elem(),
		api.TransactionContextType(),
		reflect.TypeOf(""),
	}
	tc := api.NewTransactionContext(api.NewXid(nil), api.NewXid(nil), api.Trying, api.ParticipantTrying)
	args := []interface{}{context.Background(), tc, "sku"}

	assert.Equal(t, []interface{}{nil, nil, "sku"}, invocationArgs(types, args))
	assert.Same(t, tc, args[1])
}

func TestIdentityAt(t *testing.T) {
	args := []interface{}{nil, nil, "o-1"}
	assert.Equal(t, "o-1", IdentityAt(2)(args))
	assert.Nil(t, IdentityAt(3)(args))
	assert.Nil(t, (*Compensable)(nil).identity(args))
}
