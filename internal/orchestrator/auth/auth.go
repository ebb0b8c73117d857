// Package auth 观察端认证：JWT 令牌签发、验证与 HTTP 中间件
//
// 共享密钥为空时认证整体关闭，所有请求直接放行（开发 / 单机部署）。
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL 观察端令牌默认有效期
const DefaultTokenTTL = 24 * time.Hour

// Config 认证配置
type Config struct {
	// Key HMAC 共享密钥（空串表示关闭认证），从 OBSERVER_AUTH_KEY 环境变量读取
	Key string
	// TokenTTL 令牌有效期
	TokenTTL time.Duration
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.Key != ""
}

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	// Observer 观察端标识（自由文本，用于日志）
	Observer string `json:"observer,omitempty"`
}

// GenerateToken 签发观察端令牌
func GenerateToken(cfg Config, observer string) (string, error) {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   observer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Observer: observer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Key))
}

// ParseToken 解析并验证令牌
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Key), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware 验证请求的 Bearer 令牌（WebSocket 升级请求可用 ?token= 传递）
//
// 认证关闭时直接放行。
func Middleware(cfg Config, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := ParseToken(cfg, tokenString); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
