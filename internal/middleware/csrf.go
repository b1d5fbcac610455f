package middleware

import (
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/sessions"
)

const (
	csrfSessionKey = "csrf_token"
	// CSRFHeader 破坏性后台操作必须携带的请求头
	CSRFHeader = "X-CSRF-Token"
)

// IssueCSRFToken 取出当前会话的 CSRF 令牌，没有则生成一个。需要先挂 sessions Handler。
func IssueCSRFToken(ctx iris.Context) string {
	sess := sessions.Get(ctx)
	if token := sess.GetString(csrfSessionKey); token != "" {
		return token
	}
	token := uuid.NewString()
	sess.Set(csrfSessionKey, token)
	return token
}

// RequireCSRF 请求头中的令牌必须与会话中的一致
func RequireCSRF() iris.Handler {
	return func(ctx iris.Context) {
		want := sessions.Get(ctx).GetString(csrfSessionKey)
		got := ctx.GetHeader(CSRFHeader)
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			ctx.StopWithJSON(iris.StatusForbidden, iris.Map{"code": iris.StatusForbidden, "msg": "invalid csrf token"})
			return
		}
		ctx.Next()
	}
}
