package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/example/shopchat/internal/auth"
	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/infra/natsbus"
	"github.com/example/shopchat/internal/infra/redis"
	"github.com/example/shopchat/internal/presence"
	"github.com/example/shopchat/internal/repository/mysql"
	"github.com/example/shopchat/internal/service"
)

// NewResolver 令牌解析器。Redis 开启时解析结果按一致性哈希分片缓存。
func NewResolver(cfg *config.Config) *auth.Resolver {
	if !cfg.Redis.Enabled {
		return auth.NewResolver(&cfg.JWT, nil)
	}
	ring := auth.NewConsistentHashRing(cfg.Auth.Nodes, cfg.Auth.HashReplicas)
	ttl := time.Duration(cfg.Auth.TokenCacheTTLSeconds) * time.Second
	cache := auth.NewTokenCache(redis.Init(&cfg.Redis), ring, ttl)
	return auth.NewResolver(&cfg.JWT, cache)
}

// NewHub 在线连接注册表 + 可选的 NATS 广播总线。返回的 cleanup 关闭总线。
func NewHub(cfg *config.Config) (*presence.Hub, func()) {
	reg := presence.NewRegistry(cfg.Chat.OutboxSize)
	if !cfg.NATS.Enabled {
		return presence.NewHub(reg, nil, zap.L()), func() {}
	}
	bus, err := natsbus.Connect(&cfg.NATS)
	if err != nil {
		zap.L().Fatal("failed to connect nats", zap.String("url", cfg.NATS.URL), zap.Error(err))
	}
	return presence.NewHub(reg, bus, zap.L()), bus.Close
}

// NewServices 组装 HTTP 层依赖。notifier 为 nil 时订单更新不发系统消息。
func NewServices(cfg *config.Config, hub *presence.Hub, notifier service.SystemNotifier) *Services {
	db := mysql.Init(&cfg.MySQL)
	resolver := NewResolver(cfg)

	chatSvc := service.NewChatService(mysql.NewChatRepository(db), resolver, hub, zap.L()).
		WithHistoryLimit(cfg.Chat.HistoryLimit)

	return &Services{
		Users:    service.NewUserService(mysql.NewUserRepository(db), &cfg.JWT),
		Chat:     chatSvc,
		Orders:   service.NewOrderService(mysql.NewOrderRepository(db), notifier, zap.L()),
		Resolver: resolver,
		Monitor:  service.GetMonitor(),
	}
}
