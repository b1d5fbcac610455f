package main

import (
	"github.com/kataras/iris/v12"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/infra/logger"
	"github.com/example/shopchat/internal/server"
)

func main() {
	cfg := config.MustLoad("./config")
	logger.Init(&cfg.Log)
	defer func() { _ = zap.L().Sync() }()

	// 前台只推送未读数变化，不持有 websocket 连接
	hub, closeBus := server.NewHub(cfg)
	iris.RegisterOnInterrupt(closeBus)

	app := iris.New()
	app.Logger().SetLevel(cfg.Log.Level)
	server.RegisterRoutes(app, server.NewServices(cfg, hub, nil), server.WebOptions{
		APIBurst:  cfg.Server.RateBurst,
		APIRefill: cfg.Server.RateRefill,
	})

	addr := cfg.Server.Addr()
	zap.L().Info("web server listening", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zap.L().Fatal("failed to run web server", zap.Error(err))
	}
}
