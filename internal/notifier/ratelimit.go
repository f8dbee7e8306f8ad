package notifier

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// channelLimiters holds one token bucket per rate-limited channel.
type channelLimiters struct {
	mu       sync.Mutex
	limiters map[string]*channelLimiter
}

type channelLimiter struct {
	perMinute int
	limiter   *rate.Limiter
	dropped   int64
}

func newChannelLimiters() *channelLimiters {
	return &channelLimiters{limiters: make(map[string]*channelLimiter)}
}

// allow takes a token for ch. Channels without a rate are never limited.
// A changed rate replaces the bucket.
func (c *channelLimiters) allow(ch *models.NotificationChannel) bool {
	if ch.RatePerMinute <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[ch.Name]
	if !ok || l.perMinute != ch.RatePerMinute {
		l = &channelLimiter{
			perMinute: ch.RatePerMinute,
			limiter:   rate.NewLimiter(rate.Limit(float64(ch.RatePerMinute)/60), ch.RatePerMinute),
		}
		c.limiters[ch.Name] = l
	}
	if l.limiter.Allow() {
		return true
	}
	l.dropped++
	return false
}

// dropped returns how many deliveries each channel had refused.
func (c *channelLimiters) dropped() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.limiters))
	for name, l := range c.limiters {
		out[name] = l.dropped
	}
	return out
}
