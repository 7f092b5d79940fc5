package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// OperatorKey is the gin context key holding the authenticated operator
const OperatorKey = "operator"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client and route family
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   map[string]rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter with the default route limits.
// Money-moving routes get the tightest budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits: map[string]rate.Limit{
			"/api/v1/batches":  rate.Limit(30.0 / 60.0),  // 30 requests per minute
			"/api/v1/payments": rate.Limit(30.0 / 60.0),  // 30 requests per minute
			"/api/v1/sweep":    rate.Limit(60.0 / 60.0),  // 60 requests per minute
			"/api/v1/lineage":  rate.Limit(600.0 / 60.0), // 600 requests per minute
		},
		burst: 5,
	}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	for prefix, limit := range rl.limits {
		if strings.HasPrefix(path, prefix) {
			return limit
		}
	}
	return rate.Inf
}

func (rl *RateLimiter) get(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
		}
	}
}

// Handler returns the gin middleware
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString(OperatorKey)
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !rl.get(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// OperatorAuth verifies an HS256 bearer token and stores its operator claim.
// Token issuance lives with the admin console; this service only verifies.
// With an empty secret every caller is treated as the "system" operator.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(OperatorKey, "system")
			c.Next()
			return
		}

		operator, err := validateAndExtractOperator(c.GetHeader("Authorization"), secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(OperatorKey, operator)
		c.Next()
	}
}

// Operator returns the authenticated operator for the request
func Operator(c *gin.Context) string {
	if operator := c.GetString(OperatorKey); operator != "" {
		return operator
	}
	return "system"
}

func validateAndExtractOperator(authHeader, secret string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	operator, ok := claims["operator"].(string)
	if !ok || operator == "" {
		return "", fmt.Errorf("missing required claim: operator")
	}

	return operator, nil
}

// RequestLogger logs every request through zerolog
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("operator", c.GetString(OperatorKey)).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}
