package server

import (
	"time"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/shopchat/internal/middleware"
	"github.com/example/shopchat/internal/service"
	webcontrollers "github.com/example/shopchat/web/controllers"
)

// AdminOptions 后台路由的可调参数
type AdminOptions struct {
	// 删除会话的按管理员限流
	DeleteBurst  int64
	DeleteRefill int64
	SessionTTL   time.Duration
}

func (o AdminOptions) withDefaults() AdminOptions {
	if o.DeleteBurst <= 0 {
		o.DeleteBurst = 5
	}
	if o.DeleteRefill <= 0 {
		o.DeleteRefill = 1
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	return o
}

type orderUpdateRequest struct {
	Status       *int   `json:"status"`
	DeliveryFee  *int64 `json:"delivery_fee"`
	DeliveryLink string `json:"delivery_link"`
}

// RegisterAdminRoutes 注册后台管理端的 HTTP 路由
// 端口通常是 8081，与前台 Web 服务分离。
func RegisterAdminRoutes(app *iris.Application, svcs *Services, opts AdminOptions) {
	opts = opts.withDefaults()
	sess := sessions.New(sessions.Config{Cookie: "shopchat_admin", Expires: opts.SessionTTL})

	// Prometheus 指标
	app.Get("/metrics", iris.FromStd(promhttp.Handler()))

	api := app.Party("/api")
	api.Use(sess.Handler())

	// 管理员登录，普通客户拒绝
	api.Post("/login", func(ctx iris.Context) {
		var req credentials
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(iris.StatusBadRequest, iris.Map{"code": iris.StatusBadRequest, "msg": err.Error()})
			return
		}
		token, u, err := svcs.Users.Login(ctx.Request().Context(), req.Email, req.Password)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		if !u.IsAdmin() {
			ctx.StopWithJSON(iris.StatusForbidden, iris.Map{"code": iris.StatusForbidden, "msg": "admin only"})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"token": token}})
	})

	admin := api.Party("/", middleware.Authenticate(svcs.Resolver, true))

	// 监控信息
	admin.Get("/monitor", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "data": svcs.Monitor.GetStats()})
	})

	// ---------- 聊天 ----------

	admin.Get("/chat/conversations", func(ctx iris.Context) {
		viewer, _ := middleware.ViewerFrom(ctx)
		list, err := svcs.Chat.ListConversations(ctx.Request().Context(), viewer)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 打开会话即标记已读
	admin.Get("/chat/conversations/{customer:string}", func(ctx iris.Context) {
		viewer, _ := middleware.ViewerFrom(ctx)
		list, err := svcs.Chat.GetHistory(ctx.Request().Context(), viewer,
			ctx.Params().Get("customer"),
			ctx.URLParamUint64("after_id"),
			ctx.URLParamIntDefault("limit", 0))
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	admin.Get("/chat/unread", func(ctx iris.Context) {
		viewer, _ := middleware.ViewerFrom(ctx)
		n, err := svcs.Chat.UnreadCount(ctx.Request().Context(), viewer)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"count": n}})
	})

	admin.Get("/chat/csrf", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"token": middleware.IssueCSRFToken(ctx)}})
	})

	deleteLimiter := middleware.NewKeyedLimiter(opts.DeleteBurst, opts.DeleteRefill)
	admin.Post("/chat/conversations/{customer:string}/delete",
		middleware.RequireCSRF(),
		middleware.KeyedRateLimit(deleteLimiter, func(ctx iris.Context) string {
			viewer, _ := middleware.ViewerFrom(ctx)
			return viewer.Party.String() + "|" + ctx.RemoteAddr()
		}),
		func(ctx iris.Context) {
			viewer, _ := middleware.ViewerFrom(ctx)
			customer := ctx.Params().Get("customer")
			if err := svcs.Chat.DeleteConversation(ctx.Request().Context(), viewer, customer); err != nil {
				webcontrollers.Fail(ctx, err)
				return
			}
			ctx.JSON(iris.Map{"code": 0, "msg": "deleted"})
		})

	// ---------- 订单管理 ----------

	// 最近订单列表
	admin.Get("/orders", func(ctx iris.Context) {
		limit := ctx.URLParamIntDefault("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		list, err := svcs.Orders.ListRecent(ctx.Request().Context(), limit)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	admin.Get("/orders/{id:int64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		o, err := svcs.Orders.Get(ctx.Request().Context(), id)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 设置配送费 / 发货，变化会以系统消息通知客户
	admin.Post("/orders/{id:int64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetInt64("id")
		var req orderUpdateRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(iris.StatusBadRequest, iris.Map{"code": iris.StatusBadRequest, "msg": err.Error()})
			return
		}
		o, err := svcs.Orders.Update(ctx.Request().Context(), id, service.OrderUpdate{
			Status:       req.Status,
			DeliveryFee:  req.DeliveryFee,
			DeliveryLink: req.DeliveryLink,
		})
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})
}
