package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Tier identifies a caller's rate limit tier, taken from the X-User-Tier
// header. Unknown or absent tiers fall back to free.
type Tier string

const (
	// TierFree is the default tier
	TierFree Tier = "free"
	// TierBasic is the paid entry tier
	TierBasic Tier = "basic"
	// TierPremium is the highest tier
	TierPremium Tier = "premium"
)

// RateLimiter manages per-caller request rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	// limits per tier, requests per minute
	freeTierLimit    rate.Limit
	basicTierLimit   rate.Limit
	premiumTierLimit rate.Limit

	burstSize int
}

// NewRateLimiter creates a rate limiter; tier arguments are requests per minute
func NewRateLimiter(freeRPM, basicRPM, premiumRPM int) *RateLimiter {
	return &RateLimiter{
		limiters:         make(map[string]*rate.Limiter),
		freeTierLimit:    rate.Limit(float64(freeRPM) / 60),
		basicTierLimit:   rate.Limit(float64(basicRPM) / 60),
		premiumTierLimit: rate.Limit(float64(premiumRPM) / 60),
		burstSize:        10,
	}
}

// getLimiter returns the rate limiter for a caller and tier
func (rl *RateLimiter) getLimiter(callerID string, tier Tier) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[callerID]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	var limit rate.Limit
	switch tier {
	case TierPremium:
		limit = rl.premiumTierLimit
	case TierBasic:
		limit = rl.basicTierLimit
	default:
		limit = rl.freeTierLimit
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.limiters[callerID]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(limit, rl.burstSize)
	rl.limiters[callerID] = limiter
	return limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerID := r.Header.Get("X-User-ID")
			if callerID == "" {
				// anonymous callers are keyed by address
				callerID = r.RemoteAddr
			}

			tier := Tier(r.Header.Get("X-User-Tier"))
			if tier == "" {
				tier = TierFree
			}

			limiter := rl.getLimiter(callerID, tier)
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"tier": string(tier),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
