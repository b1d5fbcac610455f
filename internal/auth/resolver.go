package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/shopchat/internal/config"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrAnonymous    = errors.New("auth: anonymous principal")
)

// roleAdmin 与 user.RoleAdmin 保持一致
const roleAdmin = "Admin"

// Principal 已认证连接对应的身份
type Principal struct {
	UserID   int64  `json:"user_id"`
	Identity string `json:"identity"`
	IsAdmin  bool   `json:"is_admin"`
	// Expires 令牌过期时间，缓存不会超过它
	Expires time.Time `json:"expires"`
}

// Resolver 把令牌解析成 Principal；解析结果可选地缓存在 Redis 中
type Resolver struct {
	jwt   *config.JWTConfig
	cache *TokenCache
	now   func() time.Time
}

// NewResolver cache 可以为 nil
func NewResolver(jwtCfg *config.JWTConfig, cache *TokenCache) *Resolver {
	return &Resolver{jwt: jwtCfg, cache: cache, now: time.Now}
}

// Resolve 失败时返回错误，调用方按匿名处理
func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	if r.cache != nil {
		p, ok, err := r.cache.Get(ctx, token)
		if err != nil {
			zap.L().Debug("principal cache get failed", zap.Error(err))
		}
		if ok && p.Expires.After(r.now()) {
			return *p, nil
		}
	}

	claims, err := ParseToken(r.jwt, token)
	if err != nil {
		return Principal{}, err
	}
	identity := strings.ToLower(strings.TrimSpace(claims.Email))
	if identity == "" {
		return Principal{}, ErrAnonymous
	}
	p := Principal{
		UserID:   claims.UserID,
		Identity: identity,
		IsAdmin:  strings.EqualFold(claims.Role, roleAdmin),
	}
	if claims.ExpiresAt != nil {
		p.Expires = claims.ExpiresAt.Time
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, token, &p); err != nil {
			zap.L().Debug("principal cache set failed", zap.Error(err))
		}
	}
	return p, nil
}
