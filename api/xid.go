package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
)

// DefaultFormatID xid 的格式标识
const DefaultFormatID int32 = 1

// 派生分支 branchQualifier 时使用的命名空间
var branchNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("tcctransaction.branch"))

// TransactionXid 事务 id
// 1. globalTransactionID 全局事务 id, 同一个根事务下的所有分支事务共享
// 2. branchQualifier 分支标识, 分支事务的 branchQualifier 由父事务 xid 确定性地派生
// 3. 创建后不可变, 所有对外暴露的 getter 都返回拷贝
type TransactionXid struct {
	formatID            int32
	globalTransactionID []byte
	branchQualifier     []byte
}

// NewXid 构造根事务 xid
// uniqueIdentity 不为空时作为业务唯一键, 同一个业务键总是得到同一个 xid
func NewXid(uniqueIdentity interface{}) TransactionXid {
	if uniqueIdentity == nil {
		global, branch := uuid.New(), uuid.New()
		return TransactionXid{
			formatID:            DefaultFormatID,
			globalTransactionID: global[:],
			branchQualifier:     branch[:],
		}
	}

	global := []byte(gocast.ToString(uniqueIdentity))
	branch := uuid.NewSHA1(branchNamespace, global)
	return TransactionXid{
		formatID:            DefaultFormatID,
		globalTransactionID: global,
		branchQualifier:     branch[:],
	}
}

// NewBranchXid 基于父事务的 xid 和参与者序号派生分支 xid
// globalTransactionID 保持不变, branchQualifier = SHA1(父 branchQualifier + 序号)
func NewBranchXid(parent TransactionXid, seq int) TransactionXid {
	data := make([]byte, 0, len(parent.branchQualifier)+8)
	data = append(data, parent.branchQualifier...)
	data = append(data, ':')
	data = strconv.AppendInt(data, int64(seq), 10)
	branch := uuid.NewSHA1(branchNamespace, data)
	return TransactionXid{
		formatID:            parent.formatID,
		globalTransactionID: cloneBytes(parent.globalTransactionID),
		branchQualifier:     branch[:],
	}
}

// NewXidFromParts 用于存储层根据持久化的字段还原 xid
func NewXidFromParts(formatID int32, globalTransactionID, branchQualifier []byte) TransactionXid {
	return TransactionXid{
		formatID:            formatID,
		globalTransactionID: cloneBytes(globalTransactionID),
		branchQualifier:     cloneBytes(branchQualifier),
	}
}

func (x TransactionXid) FormatID() int32 {
	return x.formatID
}

func (x TransactionXid) GlobalTransactionID() []byte {
	return cloneBytes(x.globalTransactionID)
}

func (x TransactionXid) BranchQualifier() []byte {
	return cloneBytes(x.branchQualifier)
}

// Clone 深拷贝
func (x TransactionXid) Clone() TransactionXid {
	return NewXidFromParts(x.formatID, x.globalTransactionID, x.branchQualifier)
}

// IsZero 是否为未初始化的 xid
func (x TransactionXid) IsZero() bool {
	return len(x.globalTransactionID) == 0 && len(x.branchQualifier) == 0
}

// Equal 按字节内容比较
func (x TransactionXid) Equal(other TransactionXid) bool {
	return x.formatID == other.formatID &&
		bytes.Equal(x.globalTransactionID, other.globalTransactionID) &&
		bytes.Equal(x.branchQualifier, other.branchQualifier)
}

// Key 返回可以作为 map key / 存储主键使用的字符串
func (x TransactionXid) Key() string {
	return hex.EncodeToString(x.globalTransactionID) + ":" + hex.EncodeToString(x.branchQualifier)
}

func (x TransactionXid) String() string {
	return formatID(x.globalTransactionID) + ":" + formatID(x.branchQualifier)
}

func formatID(b []byte) string {
	if id, err := uuid.FromBytes(b); err == nil {
		return id.String()
	}
	return string(b)
}

type xidJSON struct {
	FormatID            int32  `json:"formatId"`
	GlobalTransactionID []byte `json:"globalTransactionId"`
	BranchQualifier     []byte `json:"branchQualifier"`
}

func (x TransactionXid) MarshalJSON() ([]byte, error) {
	return json.Marshal(xidJSON{
		FormatID:            x.formatID,
		GlobalTransactionID: x.globalTransactionID,
		BranchQualifier:     x.branchQualifier,
	})
}

func (x *TransactionXid) UnmarshalJSON(data []byte) error {
	var v xidJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*x = TransactionXid{
		formatID:            v.FormatID,
		globalTransactionID: v.GlobalTransactionID,
		branchQualifier:     v.BranchQualifier,
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
