package middleware

import (
	"sync"
	"time"

	"github.com/kataras/iris/v12"
)

// TokenBucket 令牌桶限流器
type TokenBucket struct {
	capacity   int64     // 桶容量
	tokens     int64     // 当前令牌数
	refillRate int64     // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	mu         sync.Mutex
	now        func() time.Time
}

// NewTokenBucket 创建令牌桶
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// 补充令牌，只按整秒推进 lastRefill，避免零头被吞掉
	now := tb.now()
	elapsed := int64(now.Sub(tb.lastRefill) / time.Second)
	if elapsed > 0 && tb.refillRate > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = tb.lastRefill.Add(time.Duration(elapsed) * time.Second)
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// defaultMaxKeys KeyedLimiter 同时保留的 key 上限
const defaultMaxKeys = 10000

type keyedBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// KeyedLimiter 按 key（用户身份或 IP）各自一个令牌桶。
// 闲置超过 idleTTL 的桶已经补满，直接丢弃；key 数达到 maxKeys 时淘汰最久未用的。
type KeyedLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*keyedBucket
	capacity   int64
	refillRate int64
	idleTTL    time.Duration
	maxKeys    int
	lastSweep  time.Time
	now        func() time.Time
}

// NewKeyedLimiter 创建按 key 限流器
func NewKeyedLimiter(capacity, refillRate int64) *KeyedLimiter {
	return newKeyedLimiter(capacity, refillRate, time.Now)
}

func newKeyedLimiter(capacity, refillRate int64, now func() time.Time) *KeyedLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	// 空桶补满所需时间，至少一分钟
	ttl := time.Minute
	if refillRate > 0 {
		if full := time.Duration(capacity/refillRate+1) * time.Second; full > ttl {
			ttl = full
		}
	} else {
		ttl = time.Hour
	}
	return &KeyedLimiter{
		buckets:    make(map[string]*keyedBucket),
		capacity:   capacity,
		refillRate: refillRate,
		idleTTL:    ttl,
		maxKeys:    defaultMaxKeys,
		lastSweep:  now(),
		now:        now,
	}
}

// Allow key 的令牌桶是否还有令牌
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.sweep(now)
			if len(l.buckets) >= l.maxKeys {
				l.evictOldest()
			}
		}
		e = &keyedBucket{bucket: newTokenBucket(l.capacity, l.refillRate, l.now)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.bucket.Allow()
}

// Len 当前保留的 key 数
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep 调用方持有 mu
func (l *KeyedLimiter) sweep(now time.Time) {
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func (l *KeyedLimiter) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range l.buckets {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = key, e.lastSeen
		}
	}
	delete(l.buckets, oldestKey)
}

func tooManyRequests(ctx iris.Context) {
	ctx.StopWithJSON(iris.StatusTooManyRequests, iris.Map{
		"code": iris.StatusTooManyRequests,
		"msg":  "请求过于频繁，请稍后再试",
	})
}

// RateLimitMiddleware 全局限流中间件
func RateLimitMiddleware(bucket *TokenBucket) iris.Handler {
	return func(ctx iris.Context) {
		if !bucket.Allow() {
			tooManyRequests(ctx)
			return
		}
		ctx.Next()
	}
}

// KeyedRateLimit 按 keyFn 计算出的 key 限流，默认使用客户端 IP
func KeyedRateLimit(limiter *KeyedLimiter, keyFn func(iris.Context) string) iris.Handler {
	if keyFn == nil {
		keyFn = func(ctx iris.Context) string { return ctx.RemoteAddr() }
	}
	return func(ctx iris.Context) {
		if !limiter.Allow(keyFn(ctx)) {
			tooManyRequests(ctx)
			return
		}
		ctx.Next()
	}
}
