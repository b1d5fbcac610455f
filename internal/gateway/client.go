package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/middleware"
	"github.com/example/shopchat/internal/presence"
	"github.com/example/shopchat/internal/service"
)

// 客户端发给服务端的事件名
const (
	EventSendMessage        = "sendMessage"
	EventJoinGroup          = "joinGroup"
	EventDeleteConversation = "deleteConversation"
	EventMarkRead           = "markRead"
)

// Conn websocket 连接中网关用到的部分，*websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ErrorPayload error 事件内容
type ErrorPayload struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type joinGroupRequest struct {
	Group string `json:"group"`
}

type deleteRequest struct {
	Target string `json:"target"`
}

type markReadRequest struct {
	Counterpart string `json:"counterpart"`
}

// client 一条连接：读协程解析并分发事件，写协程独占 conn 的写操作
type client struct {
	conn    Conn
	sess    *service.Session
	svc     *service.ChatService
	opts    Options
	limiter *middleware.TokenBucket
	replies chan presence.Event // 只回给本连接的事件（错误等）
	log     *zap.Logger
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			} else {
				c.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		var frame presence.Event
		if err := json.Unmarshal(data, &frame); err != nil || frame.Name == "" {
			c.replyError("bad_frame", "frame must be {\"event\": ..., \"data\": ...}")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *client) dispatch(ctx context.Context, frame presence.Event) {
	var err error
	switch frame.Name {
	case EventSendMessage:
		if !c.limiter.Allow() {
			c.replyError("rate_limited", "sending too fast")
			return
		}
		var req service.SendRequest
		if err = frame.Decode(&req); err == nil {
			_, err = c.svc.Send(ctx, c.sess, req)
		}
	case EventJoinGroup:
		var req joinGroupRequest
		if err = frame.Decode(&req); err == nil {
			err = c.svc.JoinGroup(ctx, c.sess, req.Group)
		}
	case EventDeleteConversation:
		var req deleteRequest
		if err = frame.Decode(&req); err == nil {
			err = c.svc.DeleteConversationIn(ctx, c.sess, req.Target)
		}
	case EventMarkRead:
		var req markReadRequest
		if len(frame.Data) > 0 {
			err = frame.Decode(&req)
		}
		if err == nil {
			_, err = c.svc.MarkRead(ctx, c.sess, req.Counterpart)
		}
	default:
		c.replyError("unknown_event", "unknown event "+frame.Name)
		return
	}
	if err == nil {
		return
	}
	code := errorCode(err)
	if code == codeInternal {
		// 存储层等内部错误只记日志，不把细节发给客户端
		c.log.Error("event failed", zap.String("event", frame.Name), zap.Error(err))
		c.replyError(code, "internal error")
		return
	}
	c.replyError(code, err.Error())
}

func (c *client) replyError(code, msg string) {
	ev, err := presence.NewEvent(presence.EventError, ErrorPayload{Code: code, Msg: msg})
	if err != nil {
		return
	}
	select {
	case c.replies <- ev:
	default:
		c.log.Debug("reply dropped", zap.String("code", code))
	}
}

// writePump outbox 关闭（Disconnect）或写失败时退出
func (c *client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	outbox := c.sess.Outbox()
	for {
		select {
		case ev, ok := <-outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(ev); err != nil {
				c.log.Debug("websocket write error", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case ev := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.write(ev); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *client) write(ev presence.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

const codeInternal = "internal"

// errorCode 错误 -> error 事件的 code
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, chat.ErrTextTooLong):
		return "text_too_long"
	case errors.Is(err, chat.ErrEmptyReceiver):
		return "empty_receiver"
	case errors.Is(err, chat.ErrInvalidPair):
		return "invalid_pair"
	case errors.Is(err, chat.ErrCollectiveTarget):
		return "collective_target"
	case errors.Is(err, service.ErrAnonymous):
		return "anonymous"
	case errors.Is(err, service.ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, service.ErrForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrNotBound):
		return "not_bound"
	case errors.Is(err, service.ErrNoCustomer):
		return "no_customer"
	case errors.Is(err, presence.ErrEmptyGroup):
		return "empty_group"
	}
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntax) || errors.As(err, &typeErr) {
		return "bad_frame"
	}
	return codeInternal
}
