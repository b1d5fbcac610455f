package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/shopchat/internal/auth"
	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/presence"
)

var (
	ErrNotBound       = errors.New("chat: session is not bound")
	ErrAnonymous      = errors.New("chat: anonymous session")
	ErrSenderMismatch = errors.New("chat: sender does not match session identity")
	ErrForbidden      = errors.New("chat: forbidden")
	ErrNoCustomer     = errors.New("chat: customer identity required")
)

// IdentityResolver 令牌 -> 身份
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (auth.Principal, error)
}

// Presence 连接注册表 + 推送（presence.Hub）
type Presence interface {
	Registry() *presence.Registry
	Publish(ctx context.Context, group string, ev presence.Event) error
}

// SessionState 连接状态机
type SessionState int

const (
	StateUnbound SessionState = iota
	StateBound
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Viewer 已解析的调用方。Party 为空表示匿名。
type Viewer struct {
	Party chat.Party
	Admin bool
}

// ViewerOf 由 Principal 计算调用方：管理员一律归入 AdminGroup
func ViewerOf(p auth.Principal) Viewer {
	if p.IsAdmin {
		return Viewer{Party: chat.AdminGroup, Admin: true}
	}
	return Viewer{Party: chat.Customer(p.Identity)}
}

func (v Viewer) Anonymous() bool { return v.Party == "" }

// Session 一条实时连接在服务端的状态
type Session struct {
	ID string

	mu     sync.RWMutex
	state  SessionState
	viewer Viewer
	group  string
	conn   *presence.Conn
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Viewer 未绑定或已关闭时返回匿名
func (s *Session) Viewer() Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateBound {
		return Viewer{}
	}
	return s.viewer
}

// Group 连接绑定的路由组
func (s *Session) Group() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group
}

// Outbox 写协程从这里取待推送事件；Disconnect 后关闭
func (s *Session) Outbox() <-chan presence.Event {
	return s.conn.Outbox()
}

func (s *Session) bound() (Viewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateBound {
		return Viewer{}, ErrNotBound
	}
	return s.viewer, nil
}

// MessagePayload receiveMessage 事件内容
type MessagePayload struct {
	ID       uint64    `json:"id"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

// UnreadPayload updateUnreadCount 事件内容
type UnreadPayload struct {
	Count int64 `json:"count"`
}

// DeletedPayload conversationDeleted 事件内容
type DeletedPayload struct {
	Target string `json:"target"`
}

// SendRequest 客户端 sendMessage 的参数
type SendRequest struct {
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Receiver string `json:"receiver"`
}

// ChatService 客服聊天：连接绑定、消息发送、会话删除以及历史查询
type ChatService struct {
	repo         chat.Repository
	resolver     IdentityResolver
	hub          Presence
	log          *zap.Logger
	monitor      *Monitor
	historyLimit int
}

// NewChatService resolver 只有实时网关需要，其他进程可以传 nil
func NewChatService(repo chat.Repository, resolver IdentityResolver, hub Presence, log *zap.Logger) *ChatService {
	if log == nil {
		log = zap.L()
	}
	return &ChatService{
		repo:     repo,
		resolver: resolver,
		hub:      hub,
		log:      log.Named("chat"),
		monitor:  GetMonitor(),
	}
}

// WithHistoryLimit 单次历史查询上限，0 表示不限
func (s *ChatService) WithHistoryLimit(n int) *ChatService {
	s.historyLimit = n
	return s
}

// Connect Unbound -> Bound。身份解析失败不拒绝连接，而是绑定到仅包含自身的私有组。
func (s *ChatService) Connect(ctx context.Context, connID, token string) (*Session, error) {
	conn, err := s.hub.Registry().Register(connID)
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: connID, state: StateUnbound, conn: conn}

	var viewer Viewer
	if s.resolver != nil {
		if p, err := s.resolver.Resolve(ctx, token); err == nil {
			viewer = ViewerOf(p)
		} else {
			s.log.Debug("resolve failed, binding anonymous", zap.String("conn", connID), zap.Error(err))
		}
	}

	group := presence.PrivateGroup(connID)
	if !viewer.Anonymous() {
		group = viewer.Party.Group()
	}
	if err := s.hub.Registry().Join(connID, group); err != nil {
		s.hub.Registry().Remove(connID)
		return nil, err
	}

	sess.mu.Lock()
	sess.state = StateBound
	sess.viewer = viewer
	sess.group = group
	sess.mu.Unlock()

	s.monitor.ConnOpened()
	s.log.Info("session bound", zap.String("conn", connID), zap.String("group", group), zap.Bool("admin", viewer.Admin))
	return sess, nil
}

// Disconnect Bound -> Closed，释放全部分组。重复调用无副作用。
func (s *ChatService) Disconnect(sess *Session) {
	sess.mu.Lock()
	if sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	wasBound := sess.state == StateBound
	sess.state = StateClosed
	sess.mu.Unlock()

	s.hub.Registry().Remove(sess.ID)
	if wasBound {
		s.monitor.ConnClosed()
	}
	s.log.Debug("session closed", zap.String("conn", sess.ID))
}

// Send 发送一条消息：校验、落库、推送给双方分组，再把接收方未读数推给接收方。
// 发送方永远是会话自身的身份，客户端声明的 sender 只做一致性校验。
func (s *ChatService) Send(ctx context.Context, sess *Session, req SendRequest) (*chat.Message, error) {
	viewer, err := sess.bound()
	if err != nil {
		return nil, s.reject("not_bound", err)
	}
	if viewer.Anonymous() {
		return nil, s.reject("anonymous", ErrAnonymous)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, s.reject("empty_text", chat.ErrEmptyText)
	}
	receiver := chat.ParseParty(req.Receiver)
	if receiver == "" {
		return nil, s.reject("empty_receiver", chat.ErrEmptyReceiver)
	}
	if claimed := chat.ParseParty(req.Sender); claimed != "" && claimed != viewer.Party {
		return nil, s.reject("sender_mismatch", ErrSenderMismatch)
	}
	if err := chat.ValidatePair(viewer.Party, receiver); err != nil {
		return nil, s.reject("invalid_pair", err)
	}

	m := &chat.Message{Sender: viewer.Party.String(), Receiver: receiver.String(), Text: text}
	if err := s.deliver(ctx, m); err != nil {
		return nil, err
	}
	s.monitor.RecordMessage(false)
	return m, nil
}

// SendSystem 以管理员集体的名义给客户发系统消息（订单通知等）
func (s *ChatService) SendSystem(ctx context.Context, customer, text string) (*chat.Message, error) {
	to := chat.Customer(customer)
	if to == "" {
		return nil, s.reject("empty_receiver", ErrNoCustomer)
	}
	m := &chat.Message{Sender: chat.AdminGroup.String(), Receiver: to.String(), Text: text}
	if err := s.deliver(ctx, m); err != nil {
		return nil, err
	}
	s.monitor.RecordMessage(true)
	return m, nil
}

// deliver 落库失败直接返回，不做任何推送；推送失败只记录日志
func (s *ChatService) deliver(ctx context.Context, m *chat.Message) error {
	if err := s.repo.Append(ctx, m); err != nil {
		if errors.Is(err, chat.ErrEmptyText) || errors.Is(err, chat.ErrTextTooLong) ||
			errors.Is(err, chat.ErrEmptyReceiver) || errors.Is(err, chat.ErrInvalidPair) {
			return s.reject("invalid_message", err)
		}
		s.monitor.RecordDBError()
		return fmt.Errorf("append message: %w", err)
	}

	ev, err := presence.NewEvent(presence.EventReceiveMessage, MessagePayload{
		ID:       m.ID,
		Sender:   m.Sender,
		Receiver: m.Receiver,
		Text:     m.Text,
		SentAt:   m.SentAt,
	})
	if err == nil {
		// 一条消息只涉及一个客户和管理员集体
		s.publish(ctx, m.Customer().Group(), ev)
		s.publish(ctx, chat.AdminGroup.Group(), ev)
	}
	s.pushUnread(ctx, m.ReceiverParty())
	return nil
}

// MarkRead 会话内的 markRead 事件
func (s *ChatService) MarkRead(ctx context.Context, sess *Session, counterpart string) (int64, error) {
	viewer, err := sess.bound()
	if err != nil {
		return 0, err
	}
	customer := viewer.Party
	if viewer.Admin {
		customer = chat.Customer(counterpart)
	} else if cp := chat.ParseParty(counterpart); cp != "" && !cp.IsCollective() {
		return 0, ErrForbidden
	}
	return s.MarkConversationRead(ctx, viewer, customer)
}

// DeleteConversation 管理员软删除某客户的全部消息，并通知双方
func (s *ChatService) DeleteConversation(ctx context.Context, viewer Viewer, target string) error {
	if !viewer.Admin {
		return s.reject("forbidden", ErrForbidden)
	}
	if chat.ParseParty(target).IsCollective() {
		return s.reject("collective_target", chat.ErrCollectiveTarget)
	}
	customer := chat.Customer(target)
	if customer == "" {
		return s.reject("empty_target", ErrNoCustomer)
	}

	n, err := s.repo.SoftDelete(ctx, customer)
	if err != nil {
		s.monitor.RecordDBError()
		return fmt.Errorf("soft delete %s: %w", customer, err)
	}
	s.log.Info("conversation deleted", zap.String("customer", customer.String()), zap.Int64("rows", n))

	ev, err := presence.NewEvent(presence.EventConversationDeleted, DeletedPayload{Target: customer.String()})
	if err == nil {
		s.publish(ctx, chat.AdminGroup.Group(), ev)
		s.publish(ctx, customer.Group(), ev)
	}
	s.pushUnread(ctx, chat.AdminGroup)
	s.pushUnread(ctx, customer)
	return nil
}

// DeleteConversationIn 会话内的 deleteConversation 事件
func (s *ChatService) DeleteConversationIn(ctx context.Context, sess *Session, target string) error {
	viewer, err := sess.bound()
	if err != nil {
		return err
	}
	return s.DeleteConversation(ctx, viewer, target)
}

// JoinGroup 手动加入分组：管理员可以加入任意客户组和集体组，其余连接只能加入自己的组
func (s *ChatService) JoinGroup(ctx context.Context, sess *Session, group string) error {
	viewer, err := sess.bound()
	if err != nil {
		return err
	}
	name := strings.TrimSpace(group)
	if name == "" {
		return presence.ErrEmptyGroup
	}
	if chat.Party(name).IsAnonymous() {
		// 匿名私有组只属于它自己的连接，管理员也不能加入
		if name != sess.Group() {
			return s.reject("forbidden", ErrForbidden)
		}
	} else {
		name = chat.ParseParty(name).Group()
		if !viewer.Admin && name != sess.Group() {
			return s.reject("forbidden", ErrForbidden)
		}
	}
	return s.hub.Registry().Join(sess.ID, name)
}

func (s *ChatService) publish(ctx context.Context, group string, ev presence.Event) {
	if err := s.hub.Publish(ctx, group, ev); err != nil {
		s.monitor.RecordPublishError()
		s.log.Warn("publish failed", zap.String("group", group), zap.String("event", ev.Name), zap.Error(err))
	}
}

// pushUnread 重新统计 receiver 的未读数并推送给其分组
func (s *ChatService) pushUnread(ctx context.Context, receiver chat.Party) {
	n, err := s.repo.UnreadCount(ctx, receiver)
	if err != nil {
		s.monitor.RecordDBError()
		s.log.Warn("unread count failed", zap.String("receiver", receiver.String()), zap.Error(err))
		return
	}
	ev, err := presence.NewEvent(presence.EventUpdateUnreadCount, UnreadPayload{Count: n})
	if err != nil {
		return
	}
	s.publish(ctx, receiver.Group(), ev)
}

func (s *ChatService) reject(reason string, err error) error {
	s.monitor.RecordRejected(reason)
	return err
}
