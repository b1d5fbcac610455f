package mysql

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/datamodels/user"
)

type chatRepo struct {
	db *gorm.DB

	// mu 让本进程内的 SentAt 赋值与插入提交保持同一顺序
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewChatRepository 创建聊天消息仓储
func NewChatRepository(db *gorm.DB) chat.Repository {
	return &chatRepo{db: db, now: time.Now}
}

// stamp 返回严格递增的微秒级时间戳（MySQL DATETIME(6) 精度）
func (r *chatRepo) stamp() time.Time {
	t := r.now().UTC().Truncate(time.Microsecond)
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

func (r *chatRepo) Append(ctx context.Context, m *chat.Message) error {
	m.Text = strings.TrimSpace(m.Text)
	if err := m.Validate(); err != nil {
		return err
	}
	m.ID = 0
	m.IsRead = false
	m.IsDeleted = false

	r.mu.Lock()
	defer r.mu.Unlock()
	m.SentAt = r.stamp()
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *chatRepo) MarkRead(ctx context.Context, receiver, counterpart chat.Party) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("receiver = ? AND sender = ?", string(receiver), string(counterpart)).
		Where("is_read = ? AND is_deleted = ?", false, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (r *chatRepo) SoftDelete(ctx context.Context, identity chat.Party) (int64, error) {
	if identity.IsCollective() {
		return 0, chat.ErrCollectiveTarget
	}
	if identity == "" {
		return 0, chat.ErrEmptyReceiver
	}
	res := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("(sender = ? OR receiver = ?)", string(identity), string(identity)).
		Where("is_deleted = ?", false).
		Update("is_deleted", true)
	return res.RowsAffected, res.Error
}

func (r *chatRepo) History(ctx context.Context, a, b chat.Party, afterID uint64, limit int) ([]*chat.Message, error) {
	var list []*chat.Message
	q := r.db.WithContext(ctx).
		Where("((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))",
			string(a), string(b), string(b), string(a)).
		Where("is_deleted = ?", false).
		Order("sent_at ASC").
		Order("id ASC")
	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *chatRepo) UnreadCount(ctx context.Context, receiver chat.Party) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("receiver = ? AND is_read = ? AND is_deleted = ?", string(receiver), false, false).
		Count(&n).Error
	return n, err
}

func (r *chatRepo) UnreadBySender(ctx context.Context, receiver chat.Party) (map[chat.Party]int64, error) {
	var rows []struct {
		Sender string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Select("sender, COUNT(*) AS total").
		Where("receiver = ? AND is_read = ? AND is_deleted = ?", string(receiver), false, false).
		Group("sender").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[chat.Party]int64, len(rows))
	for _, row := range rows {
		out[chat.Party(row.Sender)] = row.Total
	}
	return out, nil
}

func (r *chatRepo) Conversations(ctx context.Context) ([]chat.Party, error) {
	// 只保留用户目录中仍存在的身份
	directory := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&user.User{}).Select("email")
	}

	var senders []string
	if err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("receiver = ? AND is_deleted = ?", string(chat.AdminGroup), false).
		Where("sender IN (?)", directory()).
		Distinct().
		Pluck("sender", &senders).Error; err != nil {
		return nil, err
	}

	var receivers []string
	if err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("sender = ? AND is_deleted = ?", string(chat.AdminGroup), false).
		Where("receiver IN (?)", directory()).
		Distinct().
		Pluck("receiver", &receivers).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(senders)+len(receivers))
	out := make([]chat.Party, 0, len(senders)+len(receivers))
	for _, id := range append(senders, receivers...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, chat.Party(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
