package presence

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backplane 跨进程的事件总线（生产环境是 NATS）
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(handler func(Envelope)) (unsubscribe func() error, err error)
}

// Hub 推送入口：本地注册表投递，再经 Backplane 转发给其他实例
type Hub struct {
	reg    *Registry
	bus    Backplane
	origin string
	log    *zap.Logger
}

// NewHub bus 可以为 nil（单进程模式）
func NewHub(reg *Registry, bus Backplane, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.L()
	}
	return &Hub{
		reg:    reg,
		bus:    bus,
		origin: uuid.NewString(),
		log:    log.Named("hub"),
	}
}

// Registry 本地注册表
func (h *Hub) Registry() *Registry {
	return h.reg
}

// Origin 本实例标识
func (h *Hub) Origin() string {
	return h.origin
}

// Publish 本地投递总会执行；返回的错误只来自 Backplane
func (h *Hub) Publish(ctx context.Context, group string, ev Event) error {
	delivered, dropped := h.reg.Deliver(group, ev)
	if dropped > 0 {
		h.log.Warn("outbox full, events dropped",
			zap.String("group", group), zap.String("event", ev.Name), zap.Int("dropped", dropped))
	}
	h.log.Debug("published", zap.String("group", group), zap.String("event", ev.Name), zap.Int("delivered", delivered))

	if h.bus == nil {
		return nil
	}
	return h.bus.Publish(ctx, Envelope{Origin: h.origin, Group: group, Event: ev})
}

// Run 消费 Backplane 直到 ctx 结束；本实例发出的消息已在本地投递过，跳过
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	unsubscribe, err := h.bus.Subscribe(func(env Envelope) {
		if env.Origin == h.origin || env.Group == "" {
			return
		}
		h.reg.Deliver(env.Group, env.Event)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	if err := unsubscribe(); err != nil {
		h.log.Warn("backplane unsubscribe failed", zap.Error(err))
	}
	return nil
}
