package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExistedTransaction 分支事务已经完成并被删除, 调用方应视同成功
	ErrNoExistedTransaction = errors.New("no existed transaction")
	// ErrIllegalTransactionStatus 分支事务 try 的结果尚不明确时收到了 cancel 请求
	ErrIllegalTransactionStatus = errors.New("illegal transaction status")
	// ErrOptimisticLock 存储层版本号校验失败, 说明事务被并发修改
	ErrOptimisticLock = errors.New("transaction optimistic lock conflict")
	// ErrExecutorRejected 异步线程池已满
	ErrExecutorRejected = errors.New("executor rejected task")
)

// ConfirmingError confirm 阶段失败, 事务已经持久化, 由恢复任务继续推进
type ConfirmingError struct {
	Err error
}

func (e *ConfirmingError) Error() string {
	return fmt.Sprintf("confirming failed: %v", e.Err)
}

func (e *ConfirmingError) Unwrap() error {
	return e.Err
}

// CancellingError cancel 阶段失败, 事务已经持久化, 由恢复任务继续推进
type CancellingError struct {
	Err error
}

func (e *CancellingError) Error() string {
	return fmt.Sprintf("cancelling failed: %v", e.Err)
}

func (e *CancellingError) Unwrap() error {
	return e.Err
}

// SystemError 框架内部的非预期错误, 例如目标组件不存在、方法调用失败
type SystemError struct {
	Msg string
	Err error
}

func NewSystemError(err error) *SystemError {
	return &SystemError{Err: err}
}

func SystemErrorf(format string, args ...interface{}) *SystemError {
	return &SystemError{Msg: fmt.Sprintf(format, args...)}
}

func (e *SystemError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("system error: %s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("system error: %v", e.Err)
	default:
		return "system error: " + e.Msg
	}
}

func (e *SystemError) Unwrap() error {
	return e.Err
}
