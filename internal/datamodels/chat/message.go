package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextLength 单条消息正文上限（字符数）
const MaxTextLength = 2000

var (
	ErrEmptyText        = errors.New("chat: message text is empty")
	ErrTextTooLong      = errors.New("chat: message text too long")
	ErrEmptyReceiver    = errors.New("chat: receiver is empty")
	ErrInvalidPair      = errors.New("chat: exactly one side must be the admin collective")
	ErrCollectiveTarget = errors.New("chat: the admin collective cannot be a deletion target")
)

// Message 客服聊天消息。Sender/Receiver 一方是客户身份（邮箱），另一方固定为 AdminGroup。
type Message struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Sender    string    `gorm:"size:191;not null;index:idx_messages_pair,priority:1" json:"sender"`
	Receiver  string    `gorm:"size:191;not null;index:idx_messages_pair,priority:2;index:idx_messages_unread,priority:1" json:"receiver"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	SentAt    time.Time `gorm:"precision:6;not null;index" json:"sentAt"`
	IsRead    bool      `gorm:"not null;index:idx_messages_unread,priority:2" json:"isRead"`
	IsDeleted bool      `gorm:"not null;index" json:"-"`
}

// SenderParty / ReceiverParty 把持久化的字符串还原为 Party
func (m *Message) SenderParty() Party   { return Party(m.Sender) }
func (m *Message) ReceiverParty() Party { return Party(m.Receiver) }

// Customer 返回消息所属会话的客户身份
func (m *Message) Customer() Party {
	if m.SenderParty().IsCollective() {
		return m.ReceiverParty()
	}
	return m.SenderParty()
}

// Validate 校验写入前的消息
func (m *Message) Validate() error {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return ErrTextTooLong
	}
	if strings.TrimSpace(m.Receiver) == "" {
		return ErrEmptyReceiver
	}
	return ValidatePair(m.SenderParty(), m.ReceiverParty())
}

// ValidatePair 要求恰好一方为 AdminGroup，另一方为非空客户身份
func ValidatePair(a, b Party) error {
	if a == "" || b == "" || a.IsAnonymous() || b.IsAnonymous() {
		return ErrInvalidPair
	}
	if a.IsCollective() == b.IsCollective() {
		return ErrInvalidPair
	}
	return nil
}

// Repository 聊天消息仓储接口
type Repository interface {
	// Append 写入一条新消息，服务端赋值 SentAt/IsRead/IsDeleted 与 ID
	Append(ctx context.Context, m *Message) error
	// MarkRead 将 counterpart 发给 receiver 的未删除消息标记为已读，返回受影响行数
	MarkRead(ctx context.Context, receiver, counterpart Party) (int64, error)
	// SoftDelete 软删除 identity 作为发送方或接收方的全部消息
	SoftDelete(ctx context.Context, identity Party) (int64, error)
	// History 双向会话记录，按 SentAt 升序；afterID>0 时只返回之后的消息，limit<=0 表示不限
	History(ctx context.Context, a, b Party, afterID uint64, limit int) ([]*Message, error)
	UnreadCount(ctx context.Context, receiver Party) (int64, error)
	UnreadBySender(ctx context.Context, receiver Party) (map[Party]int64, error)
	// Conversations 与 AdminGroup 有未删除消息、且仍存在于用户目录中的客户身份
	Conversations(ctx context.Context) ([]Party, error)
}
