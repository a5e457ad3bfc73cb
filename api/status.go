package api

import "fmt"

// TransactionStatus 事务状态
type TransactionStatus int

const (
	// 尝试中
	Trying TransactionStatus = 1
	// 确认中
	Confirming TransactionStatus = 2
	// 取消中
	Cancelling TransactionStatus = 3
	// 分支事务 try 成功
	TrySuccess TransactionStatus = 11
	// 分支事务 try 失败
	TryFailed TransactionStatus = 12
)

func (s TransactionStatus) String() string {
	switch s {
	case Trying:
		return "TRYING"
	case Confirming:
		return "CONFIRMING"
	case Cancelling:
		return "CANCELLING"
	case TrySuccess:
		return "TRY_SUCCESS"
	case TryFailed:
		return "TRY_FAILED"
	default:
		return fmt.Sprintf("TransactionStatus(%d)", int(s))
	}
}

// ParseTransactionStatus 根据持久化的 id 还原事务状态
func ParseTransactionStatus(id int) (TransactionStatus, error) {
	switch s := TransactionStatus(id); s {
	case Trying, Confirming, Cancelling, TrySuccess, TryFailed:
		return s, nil
	default:
		return 0, fmt.Errorf("the id %d of TransactionStatus is illegal", id)
	}
}

// ParticipantStatus 参与者状态
type ParticipantStatus int

const (
	ParticipantTrying         ParticipantStatus = 1
	ParticipantTrySuccess     ParticipantStatus = 11
	ParticipantTryFailed      ParticipantStatus = 12
	ParticipantConfirmSuccess ParticipantStatus = 21
	ParticipantCancelSuccess  ParticipantStatus = 31
)

func (s ParticipantStatus) String() string {
	switch s {
	case ParticipantTrying:
		return "TRYING"
	case ParticipantTrySuccess:
		return "TRY_SUCCESS"
	case ParticipantTryFailed:
		return "TRY_FAILED"
	case ParticipantConfirmSuccess:
		return "CONFIRM_SUCCESS"
	case ParticipantCancelSuccess:
		return "CANCEL_SUCCESS"
	default:
		return fmt.Sprintf("ParticipantStatus(%d)", int(s))
	}
}
