package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/presence"
)

// Bus 基于 NATS core pub/sub 的 presence.Backplane。
// 推送只是通知层，消息已经落库，所以不需要 JetStream 的持久化。
type Bus struct {
	nc      *nats.Conn
	subject string
}

// Connect 连接 NATS
func Connect(cfg *config.NATSConfig) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("shopchat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "shopchat.events"
	}
	return &Bus{nc: nc, subject: subject}, nil
}

// Close 关闭连接（先 drain 掉已缓冲的消息）
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish 广播一个 envelope
func (b *Bus) Publish(ctx context.Context, env presence.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", b.subject, err)
	}
	return nil
}

// Subscribe 订阅全部 envelope
func (b *Bus) Subscribe(handler func(presence.Envelope)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var env presence.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			zap.L().Warn("drop malformed envelope", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject '%s': %w", b.subject, err)
	}
	return sub.Unsubscribe, nil
}
