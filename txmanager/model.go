package txmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/component"
)

// TransactionType 事务类型
type TransactionType int

const (
	// 根事务, 由发起方创建, 决定最终的 confirm/cancel
	Root TransactionType = 1
	// 分支事务, 由参与方根据传递过来的事务上下文创建
	Branch TransactionType = 2
)

func (t TransactionType) String() string {
	switch t {
	case Root:
		return "ROOT"
	case Branch:
		return "BRANCH"
	default:
		return fmt.Sprintf("TransactionType(%d)", int(t))
	}
}

// Participant 事务参与者
// xid 为参与者的分支 xid, 远程分支事务的 xid 与之相同, confirm/cancel 阶段据此找到远程分支事务
type Participant struct {
	rootXid           api.TransactionXid
	xid               api.TransactionXid
	confirmInvocation *component.InvocationContext
	cancelInvocation  *component.InvocationContext
	contextEditorKind string
	status            api.ParticipantStatus
}

func NewParticipant(rootXid, xid api.TransactionXid, confirmInvocation, cancelInvocation *component.InvocationContext, contextEditorKind string) *Participant {
	return &Participant{
		rootXid:           rootXid.Clone(),
		xid:               xid.Clone(),
		confirmInvocation: confirmInvocation,
		cancelInvocation:  cancelInvocation,
		contextEditorKind: contextEditorKind,
		status:            api.ParticipantTrying,
	}
}

// Commit 执行 confirm 调用
func (p *Participant) Commit(ctx context.Context, terminator *component.Terminator) error {
	tc := api.NewTransactionContext(p.rootXid, p.xid, api.Confirming, p.status)
	_, err := terminator.Invoke(ctx, tc, p.confirmInvocation, p.contextEditorKind)
	return err
}

// Rollback 执行 cancel 调用
func (p *Participant) Rollback(ctx context.Context, terminator *component.Terminator) error {
	tc := api.NewTransactionContext(p.rootXid, p.xid, api.Cancelling, p.status)
	_, err := terminator.Invoke(ctx, tc, p.cancelInvocation, p.contextEditorKind)
	return err
}

func (p *Participant) Xid() api.TransactionXid {
	return p.xid.Clone()
}

func (p *Participant) RootXid() api.TransactionXid {
	return p.rootXid.Clone()
}

func (p *Participant) ConfirmInvocation() *component.InvocationContext {
	return p.confirmInvocation
}

func (p *Participant) CancelInvocation() *component.InvocationContext {
	return p.cancelInvocation
}

func (p *Participant) ContextEditorKind() string {
	return p.contextEditorKind
}

func (p *Participant) Status() api.ParticipantStatus {
	return p.status
}

func (p *Participant) SetStatus(status api.ParticipantStatus) {
	p.status = status
}

type participantJSON struct {
	RootXid           api.TransactionXid           `json:"rootXid"`
	Xid               api.TransactionXid           `json:"xid"`
	ConfirmInvocation *component.InvocationContext `json:"confirmInvocation"`
	CancelInvocation  *component.InvocationContext `json:"cancelInvocation"`
	ContextEditorKind string                       `json:"contextEditorKind"`
	Status            api.ParticipantStatus        `json:"status"`
}

func (p *Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(participantJSON{
		RootXid:           p.rootXid,
		Xid:               p.xid,
		ConfirmInvocation: p.confirmInvocation,
		CancelInvocation:  p.cancelInvocation,
		ContextEditorKind: p.contextEditorKind,
		Status:            p.status,
	})
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	var v participantJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Participant{
		rootXid:           v.RootXid,
		xid:               v.Xid,
		confirmInvocation: v.ConfirmInvocation,
		cancelInvocation:  v.CancelInvocation,
		contextEditorKind: v.ContextEditorKind,
		status:            v.Status,
	}
	return nil
}

// Transaction 事务
type Transaction struct {
	xid             api.TransactionXid
	rootXid         api.TransactionXid
	status          api.TransactionStatus
	transactionType TransactionType
	participants    []*Participant
	// 恢复任务的重试次数
	retriedCount int
	// 乐观锁版本号, 0 表示从未持久化过
	version        int64
	createTime     time.Time
	lastUpdateTime time.Time

	attachMux   sync.RWMutex
	attachments map[string]interface{}
}

// NewTransaction 创建根事务
func NewTransaction(uniqueIdentity interface{}) *Transaction {
	now := time.Now()
	xid := api.NewXid(uniqueIdentity)
	return &Transaction{
		xid:             xid,
		rootXid:         xid.Clone(),
		status:          api.Trying,
		transactionType: Root,
		createTime:      now,
		lastUpdateTime:  now,
		attachments:     make(map[string]interface{}),
	}
}

// NewBranchTransaction 根据传递过来的事务上下文创建分支事务
func NewBranchTransaction(tc *api.TransactionContext) *Transaction {
	now := time.Now()
	return &Transaction{
		xid:             tc.Xid.Clone(),
		rootXid:         tc.RootXid.Clone(),
		status:          api.Trying,
		transactionType: Branch,
		createTime:      now,
		lastUpdateTime:  now,
		attachments:     make(map[string]interface{}),
	}
}

// EnlistParticipant 添加参与者
func (t *Transaction) EnlistParticipant(participant *Participant) {
	t.participants = append(t.participants, participant)
}

// Commit 按登记顺序提交所有参与者, 已经 CONFIRM_SUCCESS 的参与者直接跳过
func (t *Transaction) Commit(ctx context.Context, terminator *component.Terminator) error {
	for _, participant := range t.participants {
		if participant.Status() == api.ParticipantConfirmSuccess {
			continue
		}
		if err := participant.Commit(ctx, terminator); err != nil {
			return err
		}
		participant.SetStatus(api.ParticipantConfirmSuccess)
	}
	return nil
}

// Rollback 按登记顺序回滚所有参与者, 已经 CANCEL_SUCCESS 的参与者直接跳过
func (t *Transaction) Rollback(ctx context.Context, terminator *component.Terminator) error {
	for _, participant := range t.participants {
		if participant.Status() == api.ParticipantCancelSuccess {
			continue
		}
		if err := participant.Rollback(ctx, terminator); err != nil {
			return err
		}
		participant.SetStatus(api.ParticipantCancelSuccess)
	}
	return nil
}

func (t *Transaction) Xid() api.TransactionXid {
	return t.xid.Clone()
}

func (t *Transaction) RootXid() api.TransactionXid {
	return t.rootXid.Clone()
}

func (t *Transaction) Status() api.TransactionStatus {
	return t.status
}

func (t *Transaction) ChangeStatus(status api.TransactionStatus) {
	t.status = status
}

func (t *Transaction) TransactionType() TransactionType {
	return t.transactionType
}

// Participants 返回参与者列表的拷贝, 参与者本身仍归事务所有
func (t *Transaction) Participants() []*Participant {
	out := make([]*Participant, len(t.participants))
	copy(out, t.participants)
	return out
}

func (t *Transaction) RetriedCount() int {
	return t.retriedCount
}

func (t *Transaction) SetRetriedCount(count int) {
	t.retriedCount = count
}

func (t *Transaction) AddRetriedCount() {
	t.retriedCount++
}

func (t *Transaction) Version() int64 {
	return t.version
}

func (t *Transaction) SetVersion(version int64) {
	t.version = version
}

func (t *Transaction) UpdateVersion() {
	t.version++
}

func (t *Transaction) CreateTime() time.Time {
	return t.createTime
}

func (t *Transaction) LastUpdateTime() time.Time {
	return t.lastUpdateTime
}

func (t *Transaction) SetLastUpdateTime(at time.Time) {
	t.lastUpdateTime = at
}

// IsTryFailed 是否存在 try 失败的参与者
func (t *Transaction) IsTryFailed() bool {
	for _, participant := range t.participants {
		if participant.Status() == api.ParticipantTryFailed {
			return true
		}
	}
	return false
}

func (t *Transaction) Attachment(key string) (interface{}, bool) {
	t.attachMux.RLock()
	defer t.attachMux.RUnlock()
	v, ok := t.attachments[key]
	return v, ok
}

func (t *Transaction) SetAttachment(key string, value interface{}) {
	t.attachMux.Lock()
	defer t.attachMux.Unlock()
	if t.attachments == nil {
		t.attachments = make(map[string]interface{})
	}
	t.attachments[key] = value
}

// Clone 通过序列化深拷贝, 存储层保存和读取时使用
func (t *Transaction) Clone() (*Transaction, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out Transaction
	if err = json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type transactionJSON struct {
	Xid             api.TransactionXid     `json:"xid"`
	RootXid         api.TransactionXid     `json:"rootXid"`
	Status          api.TransactionStatus  `json:"status"`
	TransactionType TransactionType        `json:"transactionType"`
	Participants    []*Participant         `json:"participants"`
	RetriedCount    int                    `json:"retriedCount"`
	Version         int64                  `json:"version"`
	CreateTime      time.Time              `json:"createTime"`
	LastUpdateTime  time.Time              `json:"lastUpdateTime"`
	Attachments     map[string]interface{} `json:"attachments,omitempty"`
}

func (t *Transaction) MarshalJSON() ([]byte, error) {
	t.attachMux.RLock()
	defer t.attachMux.RUnlock()
	return json.Marshal(transactionJSON{
		Xid:             t.xid,
		RootXid:         t.rootXid,
		Status:          t.status,
		TransactionType: t.transactionType,
		Participants:    t.participants,
		RetriedCount:    t.retriedCount,
		Version:         t.version,
		CreateTime:      t.createTime,
		LastUpdateTime:  t.lastUpdateTime,
		Attachments:     t.attachments,
	})
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var v transactionJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Attachments == nil {
		v.Attachments = make(map[string]interface{})
	}
	t.xid = v.Xid
	t.rootXid = v.RootXid
	t.status = v.Status
	t.transactionType = v.TransactionType
	t.participants = v.Participants
	t.retriedCount = v.RetriedCount
	t.version = v.Version
	t.createTime = v.CreateTime
	t.lastUpdateTime = v.LastUpdateTime
	t.attachments = v.Attachments
	return nil
}
