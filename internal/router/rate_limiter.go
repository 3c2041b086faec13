package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-user token bucket over inbound frames
type RateLimiter struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*clientLimit
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond frames per user with the given burst
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[uuid.UUID]*clientLimit),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token of userID's bucket
func (rl *RateLimiter) Allow(userID uuid.UUID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	client, ok := rl.clients[userID]
	if !ok {
		client = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[userID] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

// Cleanup forgets users idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	now := rl.now()
	for userID, client := range rl.clients {
		if now.Sub(client.lastSeen) > maxIdle {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked users
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
