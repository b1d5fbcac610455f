package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/infra/logger"
	"github.com/example/shopchat/internal/infra/mq"
	"github.com/example/shopchat/internal/server"
	"github.com/example/shopchat/internal/worker"
)

func main() {
	cfg := config.MustLoad("./config")
	logger.Init(&cfg.Log)
	defer func() { _ = zap.L().Sync() }()

	// 系统消息落库后经 NATS 推给各网关
	hub, closeBus := server.NewHub(cfg)
	defer closeBus()
	svcs := server.NewServices(cfg, hub, nil)

	mqConn := mq.Init(&cfg.RabbitMQ)
	ch, err := mqConn.Channel()
	if err != nil {
		zap.L().Fatal("failed to open channel", zap.Error(err))
	}
	defer ch.Close()

	if err := mq.DeclareQueue(ch, cfg.RabbitMQ.SystemQueue); err != nil {
		zap.L().Fatal("failed to declare queue", zap.Error(err))
	}
	if err := ch.Qos(16, 0, false); err != nil {
		zap.L().Fatal("failed to set qos", zap.Error(err))
	}

	// 手动确认模式（auto-ack=false）
	msgs, err := ch.Consume(cfg.RabbitMQ.SystemQueue, "", false, false, false, false, nil)
	if err != nil {
		zap.L().Fatal("failed to consume", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	zap.L().Info("chat worker started", zap.String("queue", cfg.RabbitMQ.SystemQueue))
	worker.NewSystemWorker(svcs.Chat, zap.L()).Run(ctx, msgs)
	zap.L().Info("chat worker stopped")
}
