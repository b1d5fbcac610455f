package main

import (
	"context"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/infra/logger"
	"github.com/example/shopchat/internal/infra/mq"
	"github.com/example/shopchat/internal/server"
)

func main() {
	cfg := config.MustLoad("./config")
	logger.Init(&cfg.Log)
	defer func() { _ = zap.L().Sync() }()

	hub, closeBus := server.NewHub(cfg)
	iris.RegisterOnInterrupt(closeBus)

	// 订单更新的系统消息经 RabbitMQ 交给 chat-worker 落库推送
	publisher := mq.NewPublisher(mq.Init(&cfg.RabbitMQ), cfg.RabbitMQ.SystemQueue)
	svcs := server.NewServices(cfg, hub, publisher)

	created, err := svcs.Users.EnsureAdmin(context.Background(), cfg.Admin.Email, cfg.Admin.Password)
	if err != nil {
		zap.L().Fatal("failed to seed admin account", zap.Error(err))
	}
	if created {
		zap.L().Info("admin account created", zap.String("email", cfg.Admin.Email))
	}

	app := iris.New()
	app.Logger().SetLevel(cfg.Log.Level)
	server.RegisterAdminRoutes(app, svcs, server.AdminOptions{})

	addr := cfg.AdminServer.Addr()
	zap.L().Info("admin server listening", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zap.L().Fatal("failed to run admin server", zap.Error(err))
	}
}
