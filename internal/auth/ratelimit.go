package auth

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// 超過這個數量時清掉閒置的限流器
const maxLimiters = 10000

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 依來源位址限制建立連線的速率（token bucket）
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

// NewRateLimiter 每個來源每秒 rps 次，最多累積 burst 次
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow 消耗 key 的一個 token
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.pruneLocked(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len 目前追蹤的來源數
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.limiters, key)
		}
	}
}

// Middleware 超過速率的握手直接拒絕
func (l *RateLimiter) Middleware() fabric.Middleware {
	return func(ctx context.Context, _ *fabric.Conn, hs fabric.Handshake) error {
		key := remoteHost(hs.RemoteAddr)
		if !l.Allow(key) {
			l.logger.WarnContext(ctx, "連線速率超過限制", "remote", key)
			return apperrors.Rejected("too many connections")
		}
		return nil
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
