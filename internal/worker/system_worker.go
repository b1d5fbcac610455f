package worker

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/infra/mq"
	"github.com/example/shopchat/internal/service"
)

// SystemSender 落库并推送系统消息（service.ChatService）
type SystemSender interface {
	SendSystem(ctx context.Context, customer, text string) (*chat.Message, error)
}

// SystemWorker 消费 chat_system_queue。手动确认：
// 格式错误或内容非法直接丢弃，落库失败重新入队。
type SystemWorker struct {
	sender  SystemSender
	log     *zap.Logger
	monitor *service.Monitor
}

// NewSystemWorker 创建 worker
func NewSystemWorker(sender SystemSender, log *zap.Logger) *SystemWorker {
	if log == nil {
		log = zap.L()
	}
	return &SystemWorker{sender: sender, log: log.Named("system-worker"), monitor: service.GetMonitor()}
}

// Run 阻塞消费直到 ctx 结束或通道关闭
func (w *SystemWorker) Run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				w.log.Warn("delivery channel closed")
				return
			}
			w.Handle(ctx, d)
		}
	}
}

// Handle 处理一条投递
func (w *SystemWorker) Handle(ctx context.Context, d amqp.Delivery) {
	var m mq.SystemMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		w.log.Warn("invalid message", zap.Error(err))
		w.monitor.RecordWorkerFailed()
		_ = d.Nack(false, false)
		return
	}

	msg, err := w.sender.SendSystem(ctx, m.Customer, m.Text)
	if err != nil {
		w.monitor.RecordWorkerFailed()
		if permanent(err) {
			w.log.Warn("drop system message", zap.String("customer", m.Customer), zap.Int64("order", m.OrderID), zap.Error(err))
			_ = d.Nack(false, false)
			return
		}
		w.log.Error("send system message failed, requeue", zap.String("customer", m.Customer), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}

	w.monitor.RecordWorkerProcessed()
	w.log.Info("system message delivered",
		zap.Uint64("message_id", msg.ID), zap.String("customer", msg.Receiver), zap.Int64("order", m.OrderID))
	if err := d.Ack(false); err != nil {
		w.log.Warn("failed to ack message", zap.Error(err))
	}
}

// permanent 重试也不会成功的错误
func permanent(err error) bool {
	return errors.Is(err, service.ErrNoCustomer) ||
		errors.Is(err, chat.ErrEmptyText) ||
		errors.Is(err, chat.ErrTextTooLong) ||
		errors.Is(err, chat.ErrEmptyReceiver) ||
		errors.Is(err, chat.ErrInvalidPair)
}
