package order

import (
	"context"
	"time"
)

// 订单状态
const (
	StatusCreated   = 0
	StatusPaid      = 1
	StatusCancelled = 2
	StatusShipped   = 3
)

// Order 订单模型（聊天侧只关心下单邮箱与配送信息）
type Order struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	UserID       int64     `gorm:"index;not null" json:"userId"`
	Email        string    `gorm:"size:191;index;not null" json:"email"`
	Price        int64     `gorm:"not null" json:"price"`       // 单位：分
	DeliveryFee  int64     `gorm:"not null" json:"deliveryFee"` // 单位：分
	DeliveryLink string    `gorm:"size:512" json:"deliveryLink"`
	Status       int       `gorm:"index;not null" json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Repository 订单仓储接口
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id int64) (*Order, error)
	ListByEmail(ctx context.Context, email string) ([]*Order, error)
	ListRecent(ctx context.Context, limit int) ([]*Order, error)
	// Modify 在行锁内读取订单并应用 fn，fn 返回 false 时不写回
	Modify(ctx context.Context, id int64, fn func(o *Order) bool) (*Order, bool, error)
}
