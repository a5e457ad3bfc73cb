package interceptor

import "fmt"

// ParticipantRole 一次方法调用在事务中扮演的角色
type ParticipantRole int

const (
	// 不参与事务
	Normal ParticipantRole = iota
	// 发起根事务
	Root
	// 根据传递过来的事务上下文执行分支事务
	Provider
	// 作为参与者登记到当前事务
	Consumer
)

func (r ParticipantRole) String() string {
	switch r {
	case Normal:
		return "NORMAL"
	case Root:
		return "ROOT"
	case Provider:
		return "PROVIDER"
	case Consumer:
		return "CONSUMER"
	default:
		return fmt.Sprintf("ParticipantRole(%d)", int(r))
	}
}

// ClassifyRole 根据是否为可补偿方法、是否存在活跃事务、是否携带事务上下文判断角色
//
//	compensable | active | inbound | role
//	yes         | no     | no      | ROOT
//	yes         | no     | yes     | PROVIDER
//	yes         | yes    | any     | CONSUMER
//	no          | yes    | no      | CONSUMER
//	no          | yes    | yes     | NORMAL, 已经由上层调用登记过
//	no          | no     | any     | NORMAL
func ClassifyRole(compensable, active, inbound bool) ParticipantRole {
	if compensable {
		switch {
		case active:
			return Consumer
		case inbound:
			return Provider
		default:
			return Root
		}
	}
	if active && !inbound {
		return Consumer
	}
	return Normal
}
