package controllers

import (
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/mvc"

	"github.com/example/shopchat/internal/middleware"
	"github.com/example/shopchat/internal/service"
)

// ChatController 前台聊天读接口（MVC），挂在 /api/chat 下，需先经过 middleware.Authenticate
type ChatController struct {
	Ctx  iris.Context
	Chat *service.ChatService
}

func (c *ChatController) viewer() service.Viewer {
	v, _ := middleware.ViewerFrom(c.Ctx)
	return v
}

func fail(err error) mvc.Result {
	status := StatusOf(err)
	return mvc.Response{Code: status, Object: iris.Map{"code": status, "msg": err.Error()}}
}

func ok(data interface{}) mvc.Result {
	return mvc.Response{Object: iris.Map{"code": 0, "msg": "ok", "data": data}}
}

// GetHistory GET /api/chat/history?after_id=&limit=
// 打开会话即视为已读
func (c *ChatController) GetHistory() mvc.Result {
	afterID := c.Ctx.URLParamUint64("after_id")
	limit := c.Ctx.URLParamIntDefault("limit", 0)
	list, err := c.Chat.GetHistory(c.Ctx.Request().Context(), c.viewer(), c.Ctx.URLParam("customer"), afterID, limit)
	if err != nil {
		return fail(err)
	}
	return ok(list)
}

// GetUnread GET /api/chat/unread
func (c *ChatController) GetUnread() mvc.Result {
	n, err := c.Chat.UnreadCount(c.Ctx.Request().Context(), c.viewer())
	if err != nil {
		return fail(err)
	}
	return ok(iris.Map{"count": n})
}

// PostRead POST /api/chat/read
func (c *ChatController) PostRead() mvc.Result {
	v := c.viewer()
	n, err := c.Chat.MarkConversationRead(c.Ctx.Request().Context(), v, v.Party)
	if err != nil {
		return fail(err)
	}
	return ok(iris.Map{"marked": n})
}
