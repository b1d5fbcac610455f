package service

import (
	"context"
	"fmt"

	"github.com/example/shopchat/internal/datamodels/chat"
)

// ConversationSummary 后台会话列表项
type ConversationSummary struct {
	Customer string `json:"customer"`
	Unread   int64  `json:"unread"`
}

func (s *ChatService) clampLimit(limit int) int {
	if s.historyLimit > 0 && (limit <= 0 || limit > s.historyLimit) {
		return s.historyLimit
	}
	return limit
}

// FetchHistory 纯查询，不改变已读状态
func (s *ChatService) FetchHistory(ctx context.Context, customer chat.Party, afterID uint64, limit int) ([]*chat.Message, error) {
	if customer == "" || customer.IsCollective() {
		return nil, ErrNoCustomer
	}
	list, err := s.repo.History(ctx, customer, chat.AdminGroup, afterID, s.clampLimit(limit))
	if err != nil {
		s.monitor.RecordDBError()
		return nil, fmt.Errorf("history %s: %w", customer, err)
	}
	return list, nil
}

// MarkConversationRead 把对方发来的消息标记为已读，随后推送调用方最新未读数
func (s *ChatService) MarkConversationRead(ctx context.Context, viewer Viewer, customer chat.Party) (int64, error) {
	if viewer.Anonymous() {
		return 0, ErrAnonymous
	}
	if customer == "" || customer.IsCollective() {
		return 0, ErrNoCustomer
	}
	if !viewer.Admin && customer != viewer.Party {
		return 0, ErrForbidden
	}

	counterpart := chat.AdminGroup
	if viewer.Admin {
		counterpart = customer
	}
	n, err := s.repo.MarkRead(ctx, viewer.Party, counterpart)
	if err != nil {
		s.monitor.RecordDBError()
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		s.pushUnread(ctx, viewer.Party)
	}
	return n, nil
}

// GetHistory HTTP 用：先标记已读再查询。客户只能看自己的会话，customer 可留空。
func (s *ChatService) GetHistory(ctx context.Context, viewer Viewer, customer string, afterID uint64, limit int) ([]*chat.Message, error) {
	target, err := s.historyTarget(viewer, customer)
	if err != nil {
		return nil, err
	}
	if _, err := s.MarkConversationRead(ctx, viewer, target); err != nil {
		return nil, err
	}
	return s.FetchHistory(ctx, target, afterID, limit)
}

func (s *ChatService) historyTarget(viewer Viewer, customer string) (chat.Party, error) {
	if viewer.Anonymous() {
		return "", ErrAnonymous
	}
	if !viewer.Admin {
		if c := chat.ParseParty(customer); c != "" && c != viewer.Party {
			return "", ErrForbidden
		}
		return viewer.Party, nil
	}
	target := chat.Customer(customer)
	if target == "" {
		return "", ErrNoCustomer
	}
	return target, nil
}

// ListConversations 管理员查看所有会话及各自未读数
func (s *ChatService) ListConversations(ctx context.Context, viewer Viewer) ([]ConversationSummary, error) {
	if !viewer.Admin {
		return nil, ErrForbidden
	}
	customers, err := s.repo.Conversations(ctx)
	if err != nil {
		s.monitor.RecordDBError()
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	unread, err := s.repo.UnreadBySender(ctx, chat.AdminGroup)
	if err != nil {
		s.monitor.RecordDBError()
		return nil, fmt.Errorf("unread by sender: %w", err)
	}
	out := make([]ConversationSummary, 0, len(customers))
	for _, c := range customers {
		out = append(out, ConversationSummary{Customer: c.String(), Unread: unread[c]})
	}
	return out, nil
}

// UnreadCount 调用方的未读总数；管理员统计的是发给 AdminGroup 的消息
func (s *ChatService) UnreadCount(ctx context.Context, viewer Viewer) (int64, error) {
	if viewer.Anonymous() {
		return 0, ErrAnonymous
	}
	n, err := s.repo.UnreadCount(ctx, viewer.Party)
	if err != nil {
		s.monitor.RecordDBError()
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
