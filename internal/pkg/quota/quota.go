package quota

import (
	"strconv"
	"time"

	"pomelo/internal/config"
)

// 匿名额度 cookie 与响应头
const (
	CookieName      = "anonymous_credits"
	RemainingHeader = "X-Remaining-Credits"
)

const (
	defaultFreeCredits  = 10
	defaultCookieMaxAge = 7 * 24 * time.Hour
)

// Gate 匿名用户额度门
// 额度以 cookie 计数器形式由客户端携带，属不可信输入，每次请求
// 服务端重新校验并钳制到合法区间
type Gate struct {
	free   int
	maxAge time.Duration
}

// NewGate 创建额度门
func NewGate(cfg *config.QuotaConfig) *Gate {
	free := defaultFreeCredits
	maxAge := defaultCookieMaxAge
	if cfg != nil {
		if cfg.FreeCredits > 0 {
			free = cfg.FreeCredits
		}
		if cfg.CookieMaxAge > 0 {
			maxAge = cfg.CookieMaxAge
		}
	}
	return &Gate{free: free, maxAge: maxAge}
}

// Parse 解析 cookie 值为剩余额度
// 缺失或非法按全额处理，越界钳制到 [0, free]
func (g *Gate) Parse(value string) int {
	if value == "" {
		return g.free
	}
	n, err := strconv.Atoi(value)
	if err != nil || n > g.free {
		return g.free
	}
	if n < 0 {
		return 0
	}
	return n
}

// Format 生成 cookie 值
func (g *Gate) Format(credits int) string {
	return strconv.Itoa(credits)
}

// MaxAgeSeconds cookie 有效期（秒）
func (g *Gate) MaxAgeSeconds() int {
	return int(g.maxAge / time.Second)
}
