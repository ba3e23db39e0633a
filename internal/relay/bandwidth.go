package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthMeter applies per-user rate limiting on outbound log bytes and
// counts what each user has been sent.
type BandwidthMeter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	counters map[string]*atomic.Int64
	rateVal  rate.Limit
	burst    int
}

// NewBandwidthMeter creates a meter with the given sustained rate (bytes/sec)
// and burst (bytes). A non-positive rate returns nil, which means unbounded.
func NewBandwidthMeter(bytesPerSec int, burst int) *BandwidthMeter {
	if bytesPerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = bytesPerSec
	}
	return &BandwidthMeter{
		limiters: make(map[string]*rate.Limiter),
		counters: make(map[string]*atomic.Int64),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

// Wait blocks until the user's rate limiter allows n bytes, or ctx is done.
func (b *BandwidthMeter) Wait(ctx context.Context, userID string, n int) error {
	b.counter(userID).Add(int64(n))
	lim := b.limiter(userID)
	// Chunk large messages so WaitN doesn't reject (n > burst).
	for n > 0 {
		chunk := min(n, b.burst)
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Usage returns the bytes metered for a user since startup.
func (b *BandwidthMeter) Usage(userID string) int64 {
	return b.counter(userID).Load()
}

// For binds the meter to one user. A nil meter yields a nil Limiter.
func (b *BandwidthMeter) For(userID string) Limiter {
	if b == nil {
		return nil
	}
	return userLimiter{b: b, user: userID}
}

type userLimiter struct {
	b    *BandwidthMeter
	user string
}

func (u userLimiter) Wait(ctx context.Context, n int) error {
	return u.b.Wait(ctx, u.user, n)
}

func (b *BandwidthMeter) limiter(userID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[userID] = lim
	}
	return lim
}

func (b *BandwidthMeter) counter(userID string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[userID]
	if !ok {
		c = &atomic.Int64{}
		b.counters[userID] = c
	}
	return c
}

// RateLimiter applies per-IP limits to upgrade attempts.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP rate limiter. reqPerSec is the sustained
// rate, burst the max burst size. A non-positive rate returns nil.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	if reqPerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
		now:      time.Now,
	}
}

// Evict drops limiters idle for longer than idle. Run it periodically with
// StartEviction.
func (rl *RateLimiter) Evict(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	now := rl.now()
	for ip, l := range rl.limiters {
		if now.Sub(l.lastSeen) > idle {
			delete(rl.limiters, ip)
			n++
		}
	}
	return n
}

// StartEviction evicts stale entries every interval until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Evict(2 * interval)
			}
		}
	}()
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = rl.now()
	return l.lim
}

// Allow reports whether a request from ip is within limits.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.getLimiter(ip).Allow()
}

// ClientIP returns the remote host of r. The first X-Forwarded-For hop is used
// only when the peer itself is inside one of the trusted proxy prefixes.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && fromProxy(host, trusted) {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return host
}

func fromProxy(host string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseProxies parses CIDRs or bare addresses into prefixes.
func ParseProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an address or CIDR", s)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
