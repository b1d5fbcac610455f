package chat

import "strings"

// Party 会话一方：某个客户身份，或代表全部管理员的 AdminGroup。
type Party string

// AdminGroup 管理员集体。全项目只通过该常量引用，不直接比较字面量。
const AdminGroup Party = "AdminGroup"

// legacyAdmin 历史数据里曾出现过的集体写法
const legacyAdmin = "admin"

// AnonymousPrefix 匿名连接私有分组的前缀。带该前缀的名字不是任何会话方。
const AnonymousPrefix = "anon:"

// ParseParty 规范化外部输入：去空白；"Admin"/"AdminGroup"（不区分大小写）折叠为 AdminGroup；
// 客户身份统一小写。空输入返回 ""。
func ParseParty(s string) Party {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.EqualFold(s, string(AdminGroup)) || strings.EqualFold(s, legacyAdmin) {
		return AdminGroup
	}
	return Party(strings.ToLower(s))
}

// Customer 构造客户身份
func Customer(identity string) Party {
	p := ParseParty(identity)
	if p.IsCollective() || p.IsAnonymous() {
		return ""
	}
	return p
}

func (p Party) IsCollective() bool { return p == AdminGroup }

// IsAnonymous 匿名私有分组名，既不是客户也不是集体
func (p Party) IsAnonymous() bool {
	return strings.HasPrefix(strings.ToLower(string(p)), AnonymousPrefix)
}

func (p Party) String() string { return string(p) }

// Group 路由组名：集体为 AdminGroup，客户为自身身份
func (p Party) Group() string { return string(p) }
