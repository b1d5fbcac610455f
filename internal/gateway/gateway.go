package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/middleware"
	"github.com/example/shopchat/internal/presence"
	"github.com/example/shopchat/internal/service"
)

const localsToken = "token"

// Options 连接参数
type Options struct {
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBurst      int64
	SendRefill     int64
}

// OptionsFrom 由配置生成，未配置的项取默认值
func OptionsFrom(cfg *config.ChatConfig) Options {
	o := Options{
		PongWait:       time.Duration(cfg.PongWaitSeconds) * time.Second,
		WriteWait:      time.Duration(cfg.WriteWaitSeconds) * time.Second,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		SendBurst:      cfg.SendBurst,
		SendRefill:     cfg.SendRefill,
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 10
	}
	// 0 会让桶永远不补充
	if o.SendRefill <= 0 {
		o.SendRefill = 1
	}
	return o
}

// pingPeriod 必须小于 PongWait
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Gateway 实时聊天 websocket 网关
type Gateway struct {
	svc  *service.ChatService
	opts Options
	log  *zap.Logger
}

// New 创建网关
func New(svc *service.ChatService, opts Options, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.L()
	}
	return &Gateway{svc: svc, opts: opts, log: log.Named("gateway")}
}

// Mount 注册 GET /ws/chat
func (g *Gateway) Mount(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(localsToken, TokenFrom(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/chat", websocket.New(func(c *websocket.Conn) {
		token, _ := c.Locals(localsToken).(string)
		g.Serve(context.Background(), c, token)
	}))
}

// TokenFrom 依次取 Authorization 头、token cookie、token 查询参数
func TokenFrom(c *fiber.Ctx) string {
	if h := strings.TrimSpace(c.Get(fiber.HeaderAuthorization)); h != "" {
		return h
	}
	if v := c.Cookies("token"); v != "" {
		return v
	}
	return c.Query("token")
}

// Serve 一条连接的完整生命周期：绑定、读写、断开
func (g *Gateway) Serve(ctx context.Context, conn Conn, token string) {
	connID := uuid.NewString()
	log := g.log.With(zap.String("conn", connID))

	sess, err := g.svc.Connect(ctx, connID, token)
	if err != nil {
		log.Error("connect failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	c := &client{
		conn:    conn,
		sess:    sess,
		svc:     g.svc,
		opts:    g.opts,
		limiter: middleware.NewTokenBucket(g.opts.SendBurst, g.opts.SendRefill),
		replies: make(chan presence.Event, 16),
		log:     log,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(g.opts.pingPeriod())
	}()

	c.readPump(ctx)

	// 关闭 outbox，写协程发出 close 帧后退出
	g.svc.Disconnect(sess)
	<-writerDone
	_ = conn.Close()
	log.Debug("connection finished")
}
