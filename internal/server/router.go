package server

import (
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/mvc"

	"github.com/example/shopchat/internal/middleware"
	"github.com/example/shopchat/internal/service"
	webcontrollers "github.com/example/shopchat/web/controllers"
)

// Services 路由层依赖的服务，由 cmd 组装
type Services struct {
	Users    *service.UserService
	Chat     *service.ChatService
	Orders   *service.OrderService
	Resolver service.IdentityResolver
	Monitor  *service.Monitor
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// WebOptions 前台路由的可调参数
type WebOptions struct {
	// /api 全局令牌桶
	APIBurst  int64
	APIRefill int64
}

func (o WebOptions) withDefaults() WebOptions {
	if o.APIBurst <= 0 {
		o.APIBurst = 200
	}
	if o.APIRefill <= 0 {
		o.APIRefill = 100
	}
	return o
}

// RegisterRoutes 注册前台 HTTP 路由
func RegisterRoutes(app *iris.Application, svcs *Services, opts WebOptions) {
	opts = opts.withDefaults()
	api := app.Party("/api")
	api.Use(middleware.RateLimitMiddleware(middleware.NewTokenBucket(opts.APIBurst, opts.APIRefill)))

	// 健康检查
	api.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "msg": "ok"})
	})

	api.Post("/register", func(ctx iris.Context) {
		var req credentials
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(iris.StatusBadRequest, iris.Map{"code": iris.StatusBadRequest, "msg": err.Error()})
			return
		}
		u, err := svcs.Users.Register(ctx.Request().Context(), req.Email, req.Password)
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": u})
	})

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
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"token": token, "email": u.Email, "role": u.Role}})
	})

	// 需要登录的接口
	authAPI := api.Party("/", middleware.Authenticate(svcs.Resolver, false))

	authAPI.Get("/orders", func(ctx iris.Context) {
		viewer, _ := middleware.ViewerFrom(ctx)
		list, err := svcs.Orders.ListByCustomer(ctx.Request().Context(), viewer.Party.String())
		if err != nil {
			webcontrollers.Fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	chatParty := api.Party("/chat", middleware.Authenticate(svcs.Resolver, false))
	chatApp := mvc.New(chatParty)
	chatApp.Register(svcs.Chat)
	chatApp.Handle(new(webcontrollers.ChatController))

	// 登录 / 注册表单
	userController := webcontrollers.NewUserController(svcs.Users)
	app.Get("/login", userController.ShowLogin)
	app.Get("/register", userController.ShowRegister)
	app.Get("/user/login", userController.ShowLogin)
	app.Get("/user/register", userController.ShowRegister)
	app.Get("/user/logout", userController.Logout)
	app.Post("/user/login", userController.PostLogin)
	app.Post("/user/add", userController.PostAdd)
}
