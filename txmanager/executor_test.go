package txmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
)

func TestExecutor_Reject(t *testing.T) {
	e := newExecutor("terminator executor", 1, 0, false)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Bool
	err := e.Submit(context.Background(), func() { ran.Store(true) })
	assert.ErrorIs(t, err, api.ErrExecutorRejected)

	close(release)
	e.Wait()
	assert.False(t, ran.Load())
}

func TestExecutor_CallerRuns(t *testing.T) {
	e := newExecutor("save executor", 1, 0, true)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	// 执行器已满, 任务在调用方 goroutine 上同步执行
	var ran bool
	require.NoError(t, e.Submit(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	close(release)
	e.Wait()
}

func TestExecutor_RecoverPanic(t *testing.T) {
	e := newExecutor("save executor", 2, 0, true)
	require.NoError(t, e.Submit(context.Background(), func() { panic("boom") }))
	e.Wait()

	var ran atomic.Bool
	require.NoError(t, e.Submit(context.Background(), func() { ran.Store(true) }))
	e.Wait()
	assert.True(t, ran.Load())
}

func TestExecutor_PeakRunning(t *testing.T) {
	e := newExecutor("terminator executor", 2, 8, false)
	t.Cleanup(e.Shutdown)

	var (
		running, peak atomic.Int32
		finished      atomic.Int32
		release       = make(chan struct{})
	)
	task := func() {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		finished.Add(1)
	}

	// 1. 2 个 worker 加 8 个排队位置, 前 10 个任务都被接收
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Submit(context.Background(), task))
	}
	// 2. 第 11 个任务超出队列容量被拒绝
	assert.ErrorIs(t, e.Submit(context.Background(), task), api.ErrExecutorRejected)

	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	// 给排队的任务留出被错误调度的机会
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	e.Wait()
	assert.Equal(t, int32(10), finished.Load())
	assert.Equal(t, int32(2), peak.Load())

	// 3. 队列清空之后可以继续接收任务
	require.NoError(t, e.Submit(context.Background(), func() {}))
	e.Wait()
}

func TestExecutor_Shutdown(t *testing.T) {
	e := newExecutor("save executor", 1, 4, true)

	var (
		mux   sync.Mutex
		order []int
	)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, e.Submit(context.Background(), func() {
			mux.Lock()
			defer mux.Unlock()
			order = append(order, i)
		}))
	}
	e.Shutdown()
	e.Shutdown()
	assert.Equal(t, []int{0, 1, 2}, order)

	// 关闭后提交的任务由调用方执行
	var ran bool
	require.NoError(t, e.Submit(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	rejecting := newExecutor("terminator executor", 1, 0, false)
	rejecting.Shutdown()
	assert.ErrorIs(t, rejecting.Submit(context.Background(), func() {}), api.ErrExecutorRejected)
}

func TestCallScope(t *testing.T) {
	ctx := WithCallScope(context.Background())
	assert.Equal(t, ctx, WithCallScope(ctx))

	a, b := NewTransaction(nil), NewTransaction(nil)
	scopeOf(ctx).push(a)
	scopeOf(ctx).push(b)
	assert.Same(t, b, scopeOf(ctx).peek())
	assert.False(t, scopeOf(ctx).popIf(a))
	assert.True(t, scopeOf(ctx).popIf(b))
	assert.Same(t, a, scopeOf(ctx).peek())

	detached := DetachCallScope(ctx)
	assert.Nil(t, scopeOf(detached).peek())
	assert.Same(t, a, scopeOf(ctx).peek())
}
