package middleware

import (
	"strings"

	"github.com/kataras/iris/v12"

	"github.com/example/shopchat/internal/service"
)

const viewerKey = "viewer"

// TokenFrom 依次取 Authorization 头、token cookie、token 查询参数
func TokenFrom(ctx iris.Context) string {
	if h := strings.TrimSpace(ctx.GetHeader("Authorization")); h != "" {
		return h
	}
	if v := ctx.GetCookie("token"); v != "" {
		return v
	}
	return ctx.URLParam("token")
}

// Authenticate 解析令牌并把 service.Viewer 放进 ctx.Values()。
// adminOnly 为 true 时非管理员返回 403。
func Authenticate(resolver service.IdentityResolver, adminOnly bool) iris.Handler {
	return func(ctx iris.Context) {
		token := TokenFrom(ctx)
		if token == "" {
			ctx.StopWithJSON(iris.StatusUnauthorized, iris.Map{"code": iris.StatusUnauthorized, "msg": "missing token"})
			return
		}
		p, err := resolver.Resolve(ctx.Request().Context(), token)
		if err != nil {
			ctx.StopWithJSON(iris.StatusUnauthorized, iris.Map{"code": iris.StatusUnauthorized, "msg": "invalid token"})
			return
		}
		viewer := service.ViewerOf(p)
		if adminOnly && !viewer.Admin {
			ctx.StopWithJSON(iris.StatusForbidden, iris.Map{"code": iris.StatusForbidden, "msg": "admin only"})
			return
		}
		ctx.Values().Set(viewerKey, viewer)
		ctx.Next()
	}
}

// ViewerFrom 取出 Authenticate 存入的调用方
func ViewerFrom(ctx iris.Context) (service.Viewer, bool) {
	v, ok := ctx.Values().Get(viewerKey).(service.Viewer)
	return v, ok
}
