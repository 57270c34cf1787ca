package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ngassam/vendabot/pkg/logger"
)

const sweepComponent = "sweep"

// SweeperOptions bounds the memory tier.
type SweeperOptions struct {
	TTL              time.Duration
	MaxConversations int
	MessagesPerConv  int
	Interval         time.Duration
}

// Sweeper enforces TTL and capacity bounds on the memory tier. It
// never touches the durable tier: eviction discards the cached copy
// only, and evicted history stays retrievable durably.
type Sweeper struct {
	cache   *Cache
	opts    SweeperOptions
	running atomic.Bool
}

func NewSweeper(cache *Cache, opts SweeperOptions) *Sweeper {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = 500
	}
	if opts.MessagesPerConv <= 0 {
		opts.MessagesPerConv = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Sweeper{cache: cache, opts: opts}
}

// Start blocks until ctx is cancelled, sweeping on the configured
// interval. A tick is skipped if the previous sweep is still running.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	logger.InfoCF(sweepComponent, "sweeper started", map[string]interface{}{
		"ttl":      s.opts.TTL.String(),
		"max":      s.opts.MaxConversations,
		"per_conv": s.opts.MessagesPerConv,
		"interval": s.opts.Interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				logger.WarnC(sweepComponent, "previous sweep still running, skipping tick")
				continue
			}
			s.Sweep()
			s.running.Store(false)
		}
	}
}

// Sweep runs one pass: TTL eviction, then capacity eviction of the
// oldest entries, then per-conversation message trimming.
func (s *Sweeper) Sweep() {
	expired := s.cache.EvictExpired(s.opts.TTL)
	overCap := s.cache.EvictOverCap(s.opts.MaxConversations)
	trimmed := s.cache.TrimMessages(s.opts.MessagesPerConv)

	if expired > 0 || overCap > 0 || trimmed > 0 {
		logger.InfoCF(sweepComponent, "sweep complete", map[string]interface{}{
			"expired": expired, "over_cap": overCap, "trimmed": trimmed,
		})
	}
}

// Stats exposes the memory tier's footprint for operational reads.
func (s *Sweeper) Stats() CacheStats {
	return s.cache.Stats()
}
