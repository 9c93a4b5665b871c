package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ClientLimiter hands out a token bucket per client id.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	limit   rate.Limit
	burst   int
	// idle is how long a bucket takes to refill completely; a client unseen
	// for that long loses nothing when its bucket is dropped.
	idle time.Duration
	now  func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perMinute requests per client, with bursts of the
// same size. It returns nil when perMinute is not positive.
func NewClientLimiter(perMinute int) *ClientLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ClientLimiter{
		clients: make(map[string]*clientBucket),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idle:    time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether clientID may make a request now.
func (l *ClientLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Sweep drops the buckets of clients idle long enough to have refilled and
// returns how many were dropped.
func (l *ClientLimiter) Sweep() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	n := 0
	for id, b := range l.clients {
		if !b.lastSeen.After(cutoff) {
			delete(l.clients, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func rateLimitMiddleware(l *ClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.Allow(c.GetHeader(HeaderClientID)) {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(60/l.burst+1))
		de := bookingerr.New(bookingerr.CodeCancelled, "too many requests for this client")
		c.Data(http.StatusTooManyRequests, models.ContentTypeBooking, de.Body())
		c.Abort()
	}
}
