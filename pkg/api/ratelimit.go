package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorSweep = time.Minute
	visitorIdle  = 3 * time.Minute
)

// ClientLimiter paces requests per client address.
type ClientLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows rps requests per second per client with bursts up
// to burst. Idle clients are forgotten until ctx is done.
func NewClientLimiter(ctx context.Context, rps float64, burst int) *ClientLimiter {
	l := &ClientLimiter{
		rps:      rate.Limit(rps),
		burst:    max(1, burst),
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
	go l.sweep(ctx)
	return l
}

func (l *ClientLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[client] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

func (l *ClientLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(visitorSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for client, v := range l.visitors {
				if l.now().Sub(v.lastSeen) > visitorIdle {
					delete(l.visitors, client)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the client's rate with 429.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !l.limiter(client).Allow() {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, r, http.StatusTooManyRequests, "ERR_RATE_LIMITED", "request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
