package auth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	radix "github.com/mediocregopher/radix/v3"
)

// TokenCache 按令牌缓存解析后的 Principal。key 带上一致性哈希选出的节点前缀，
// 多个鉴权节点共用一个 Redis 时互不干扰。
type TokenCache struct {
	redis radix.Client
	ring  *ConsistentHashRing
	ttl   time.Duration
	now   func() time.Time
}

// NewTokenCache 构建缓存器
func NewTokenCache(redis radix.Client, ring *ConsistentHashRing, ttl time.Duration) *TokenCache {
	if ring == nil {
		ring = NewConsistentHashRing(nil, 0)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenCache{
		redis: redis,
		ring:  ring,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *TokenCache) cacheKey(token string) string {
	node := c.ring.GetNode(token)
	sum := sha1.Sum([]byte(token))
	return fmt.Sprintf("chat:principal:%s:%s", node, hex.EncodeToString(sum[:]))
}

// expiry 缓存时间取 ttl 与令牌剩余有效期的较小者
func (c *TokenCache) expiry(p *Principal) int64 {
	ttl := c.ttl
	if !p.Expires.IsZero() {
		if left := p.Expires.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	return int64(ttl / time.Second)
}

// Get 尝试命中缓存
func (c *TokenCache) Get(ctx context.Context, token string) (*Principal, bool, error) {
	if c.redis == nil {
		return nil, false, nil
	}
	key := c.cacheKey(token)
	var raw string
	if err := c.redis.Do(radix.Cmd(&raw, "GET", key)); err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}
	var p Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// 数据损坏，清理后走正常解析
		_ = c.redis.Do(radix.Cmd(nil, "DEL", key))
		return nil, false, nil
	}
	return &p, true, nil
}

// Set 缓存解析结果；令牌即将过期时不缓存
func (c *TokenCache) Set(ctx context.Context, token string, p *Principal) error {
	if c.redis == nil || p == nil {
		return nil
	}
	secs := c.expiry(p)
	if secs <= 0 {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.redis.Do(radix.FlatCmd(nil, "SETEX", c.cacheKey(token), secs, body))
}
