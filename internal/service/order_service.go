package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/shopchat/internal/datamodels/order"
	"github.com/example/shopchat/internal/infra/mq"
)

var (
	ErrDeliveryLinkRequired = errors.New("order: delivery link required before shipping")
	ErrInvalidFee           = errors.New("order: delivery fee must not be negative")
	ErrInvalidStatus        = errors.New("order: unknown status")
)

// SystemNotifier 订单变更后通知客户（mq.Publisher）
type SystemNotifier interface {
	Notify(ctx context.Context, msg mq.SystemMessage) error
}

// OrderUpdate 后台修改订单；nil 字段表示不修改
type OrderUpdate struct {
	Status       *int   `json:"status"`
	DeliveryFee  *int64 `json:"deliveryFee"`
	DeliveryLink string `json:"deliveryLink"`
}

// OrderService 用于后台订单查询、配送信息维护
type OrderService struct {
	repo     order.Repository
	notifier SystemNotifier
	log      *zap.Logger
}

// NewOrderService notifier 为 nil 时不发送通知
func NewOrderService(repo order.Repository, notifier SystemNotifier, log *zap.Logger) *OrderService {
	if log == nil {
		log = zap.L()
	}
	return &OrderService{repo: repo, notifier: notifier, log: log.Named("order")}
}

// Get 按 ID 查询订单，不存在时返回 gorm.ErrRecordNotFound
func (s *OrderService) Get(ctx context.Context, id int64) (*order.Order, error) {
	return s.repo.GetByID(ctx, id)
}

// ListRecent 查询最新的订单记录
func (s *OrderService) ListRecent(ctx context.Context, limit int) ([]*order.Order, error) {
	return s.repo.ListRecent(ctx, limit)
}

// ListByCustomer 某个客户的订单
func (s *OrderService) ListByCustomer(ctx context.Context, email string) ([]*order.Order, error) {
	return s.repo.ListByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// Update 修改状态/运费/物流链接。标记发货必须带物流链接。
// 运费被设置或订单刚发货时，给下单客户发一条系统消息。
func (s *OrderService) Update(ctx context.Context, id int64, upd OrderUpdate) (*order.Order, error) {
	if upd.DeliveryFee != nil && *upd.DeliveryFee < 0 {
		return nil, ErrInvalidFee
	}
	if upd.Status != nil && (*upd.Status < order.StatusCreated || *upd.Status > order.StatusShipped) {
		return nil, ErrInvalidStatus
	}
	link := strings.TrimSpace(upd.DeliveryLink)

	var (
		verr        error
		justShipped bool
	)
	o, changed, err := s.repo.Modify(ctx, id, func(o *order.Order) bool {
		if upd.Status != nil && *upd.Status == order.StatusShipped {
			if link == "" && o.DeliveryLink == "" {
				verr = ErrDeliveryLinkRequired
				return false
			}
			justShipped = o.Status != order.StatusShipped
		}
		if upd.Status != nil {
			o.Status = *upd.Status
		}
		if upd.DeliveryFee != nil {
			o.DeliveryFee = *upd.DeliveryFee
		}
		if link != "" {
			o.DeliveryLink = link
		}
		return true
	})
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, fmt.Errorf("update order %d: %w", id, err)
	}
	if verr != nil {
		return nil, verr
	}
	if !changed {
		return o, nil
	}

	if upd.DeliveryFee != nil {
		s.notify(ctx, o, fmt.Sprintf("📦 Update on your order #%d: Delivery fee has been set to ₱%.2f.", o.ID, float64(o.DeliveryFee)/100))
	}
	if justShipped {
		s.notify(ctx, o, fmt.Sprintf("🚚 Your order #%d has been shipped. Track it here: %s", o.ID, o.DeliveryLink))
	}
	return o, nil
}

// notify 订单已经更新成功，通知失败只记录
func (s *OrderService) notify(ctx context.Context, o *order.Order, text string) {
	if s.notifier == nil || o.Email == "" {
		return
	}
	err := s.notifier.Notify(ctx, mq.SystemMessage{Customer: o.Email, Text: text, OrderID: o.ID})
	if err != nil {
		GetMonitor().RecordMQError()
		s.log.Warn("order notification failed", zap.Int64("order", o.ID), zap.Error(err))
	}
}
