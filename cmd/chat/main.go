package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/gateway"
	"github.com/example/shopchat/internal/infra/logger"
	"github.com/example/shopchat/internal/server"
	"github.com/example/shopchat/internal/service"
)

func main() {
	cfg := config.MustLoad("./config")
	logger.Init(&cfg.Log)
	defer func() { _ = zap.L().Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, closeBus := server.NewHub(cfg)
	defer closeBus()
	go func() {
		// 其他实例（web/admin/chat-worker/其他网关）发布的事件
		if err := hub.Run(ctx); err != nil {
			zap.L().Fatal("backplane subscribe failed", zap.Error(err))
		}
	}()
	service.GetMonitor().AttachPresence(hub.Registry().Stats)

	svcs := server.NewServices(cfg, hub, nil)
	gw := gateway.New(svcs.Chat, gateway.OptionsFrom(&cfg.Chat), zap.L())

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"code": 0, "msg": "ok", "data": hub.Registry().Stats()})
	})
	gw.Mount(app)

	go func() {
		addr := cfg.ChatServer.Addr()
		zap.L().Info("chat gateway listening", zap.String("addr", addr), zap.String("origin", hub.Origin()))
		if err := app.Listen(addr); err != nil {
			zap.L().Fatal("chat gateway failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("shutting down chat gateway")
	cancel()
	if err := app.Shutdown(); err != nil {
		zap.L().Warn("fiber shutdown failed", zap.Error(err))
	}
}
