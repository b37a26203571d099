package middleware

import (
	"sync"
	"time"

	"stagewire/pkg/config"
	apperrors "stagewire/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore keeps one limiter per client IP.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// NewConnectionRateLimitMiddleware limits how often one IP may open signaling
// connections and how many may be open at once. The handler behind it must
// block for the lifetime of the connection for the concurrency cap to hold.
func NewConnectionRateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	var store *rateLimiterStore
	if cfg.ConnectionsPerMinute > 0 {
		store = newRateLimiterStore(rate.Every(time.Minute/time.Duration(cfg.ConnectionsPerMinute)), cfg.ConnectionsPerMinute)
	}

	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if store != nil && !store.getLimiter(c.ClientIP()).Allow() {
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}

		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			default:
				abortWithError(c, apperrors.New(apperrors.ErrCodeNotConnected, "too many concurrent connections"))
				return
			}
		}

		c.Next()
	}
}
