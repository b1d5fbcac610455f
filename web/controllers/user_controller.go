package controllers

import (
	"net/http"
	"time"

	"github.com/kataras/iris/v12"

	"github.com/example/shopchat/internal/service"
)

// UserController 前台登录/注册表单。登录成功后把令牌写进 token cookie，聊天连接直接复用。
type UserController struct {
	userService *service.UserService
}

func NewUserController(userSvc *service.UserService) *UserController {
	return &UserController{userService: userSvc}
}

const loginForm = `<form method="post" action="/user/login">
<input name="email" type="email" placeholder="email">
<input name="password" type="password" placeholder="password">
<button type="submit">Login</button>
</form>`

const registerForm = `<form method="post" action="/user/add">
<input name="email" type="email" placeholder="email">
<input name="password" type="password" placeholder="password">
<button type="submit">Register</button>
</form>`

func writeHTML(ctx iris.Context, status int, body string) {
	ctx.StatusCode(status)
	ctx.ContentType("text/html; charset=utf-8")
	_, _ = ctx.WriteString(body)
}

// ShowLogin 渲染登录表单，没有模板时退回内置表单
func (c *UserController) ShowLogin(ctx iris.Context) {
	if err := ctx.View("user/login.html"); err != nil {
		writeHTML(ctx, iris.StatusOK, loginForm)
	}
}

func (c *UserController) ShowRegister(ctx iris.Context) {
	if err := ctx.View("user/register.html"); err != nil {
		writeHTML(ctx, iris.StatusOK, registerForm)
	}
}

// PostLogin 登录成功后写 cookie 并跳回首页
func (c *UserController) PostLogin(ctx iris.Context) {
	email := ctx.FormValue("email")
	password := ctx.FormValue("password")
	if email == "" || password == "" {
		writeHTML(ctx, iris.StatusBadRequest, "<h2>邮箱和密码不能为空</h2>")
		return
	}

	token, u, err := c.userService.Login(ctx.Request().Context(), email, password)
	if err != nil {
		writeHTML(ctx, StatusOf(err), "<h2>登录失败: "+err.Error()+"</h2>")
		return
	}

	ctx.SetCookie(&http.Cookie{Name: "email", Value: u.Email, Path: "/"})
	ctx.SetCookie(&http.Cookie{Name: "token", Value: token, Path: "/", HttpOnly: true})
	ctx.Redirect("/", iris.StatusFound)
}

// PostAdd 注册成功后跳转到登录页
func (c *UserController) PostAdd(ctx iris.Context) {
	email := ctx.FormValue("email")
	password := ctx.FormValue("password")
	if email == "" || password == "" {
		writeHTML(ctx, iris.StatusBadRequest, "<h2>邮箱和密码不能为空</h2>")
		return
	}

	if _, err := c.userService.Register(ctx.Request().Context(), email, password); err != nil {
		writeHTML(ctx, StatusOf(err), "<h2>注册失败: "+err.Error()+"</h2>")
		return
	}
	ctx.Redirect("/login", iris.StatusFound)
}

// Logout 清理 cookie 并回到首页
func (c *UserController) Logout(ctx iris.Context) {
	clearCookie := func(name string) {
		ctx.SetCookie(&http.Cookie{
			Name:    name,
			Value:   "",
			Path:    "/",
			Expires: time.Unix(0, 0),
			MaxAge:  -1,
		})
	}
	clearCookie("email")
	clearCookie("token")
	ctx.Redirect("/", iris.StatusFound)
}
