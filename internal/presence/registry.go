package presence

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/shopchat/internal/datamodels/chat"
)

var (
	ErrDuplicateConn = errors.New("presence: connection already registered")
	ErrUnknownConn   = errors.New("presence: unknown connection")
	ErrEmptyGroup    = errors.New("presence: empty group name")
)

const defaultOutboxSize = 256

// PrivateGroup 匿名连接的私有分组，只有它自己在里面
func PrivateGroup(connID string) string {
	return chat.AnonymousPrefix + connID
}

// Conn 注册表中的一条连接。Outbox 由写协程消费，Remove 后关闭。
type Conn struct {
	ID     string
	outbox chan Event
	groups map[string]struct{}
}

// Outbox 待写出的事件
func (c *Conn) Outbox() <-chan Event {
	return c.outbox
}

// Stats 注册表快照
type Stats struct {
	Conns   int    `json:"conns"`
	Groups  int    `json:"groups"`
	Dropped uint64 `json:"dropped"`
}

// Registry 进程内的 连接 -> 分组 绑定表。
// Deliver 只持读锁且从不阻塞，慢客户端的事件直接丢弃。
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	groups     map[string]map[string]*Conn
	outboxSize int
	dropped    atomic.Uint64
}

// NewRegistry outboxSize <= 0 时使用默认值
func NewRegistry(outboxSize int) *Registry {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		groups:     make(map[string]map[string]*Conn),
		outboxSize: outboxSize,
	}
}

// Register 登记新连接
func (r *Registry) Register(connID string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return nil, ErrDuplicateConn
	}
	c := &Conn{
		ID:     connID,
		outbox: make(chan Event, r.outboxSize),
		groups: make(map[string]struct{}),
	}
	r.conns[connID] = c
	return c, nil
}

// Join 幂等；一个连接可以同时在多个分组里
func (r *Registry) Join(connID, group string) error {
	if group == "" {
		return ErrEmptyGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	c.groups[group] = struct{}{}
	members := r.groups[group]
	if members == nil {
		members = make(map[string]*Conn)
		r.groups[group] = members
	}
	members[connID] = c
	return nil
}

// Leave 退出分组，不在组内时什么也不做
func (r *Registry) Leave(connID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.groups, group)
	}
	r.dropMember(group, connID)
}

func (r *Registry) dropMember(group, connID string) {
	members := r.groups[group]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Remove 断开连接：释放全部分组并关闭 outbox
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	for g := range c.groups {
		r.dropMember(g, connID)
	}
	delete(r.conns, connID)
	close(c.outbox)
}

// Deliver 尽力投递给分组内每条连接，返回投递成功和丢弃的数量
func (r *Registry) Deliver(group string, ev Event) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.groups[group] {
		select {
		case c.outbox <- ev:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		r.dropped.Add(uint64(dropped))
	}
	return delivered, dropped
}

// Groups 连接当前所在的分组（已排序）
func (r *Registry) Groups(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Members 分组当前在线连接数
func (r *Registry) Members(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Stats 当前统计
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Conns:   len(r.conns),
		Groups:  len(r.groups),
		Dropped: r.dropped.Load(),
	}
}
