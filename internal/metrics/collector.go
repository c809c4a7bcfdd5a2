package metrics

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Sample is a point-in-time snapshot of shared resource usage.
type Sample struct {
	PoolInUse    int64
	PoolWaiting  int64
	PoolTimeouts int64

	LockEntries  int
	LockTimeouts uint64

	CacheEntries int
	CacheHits    uint64
	CacheMisses  uint64

	ActiveEvents int
}

// Collector periodically copies a Sample into the gauges.
type Collector struct {
	sample   func() Sample
	interval time.Duration
	clock    clock.WithTicker
}

func NewCollector(sample func() Sample, interval time.Duration, clk clock.WithTicker) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Collector{sample: sample, interval: interval, clock: clk}
}

// Run collects immediately and then on every interval until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	t := c.clock.NewTicker(c.interval)
	defer t.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			c.Collect()
		}
	}
}

func (c *Collector) Collect() {
	if c.sample == nil {
		return
	}
	s := c.sample()
	PoolInUse.Set(float64(s.PoolInUse))
	PoolWaiting.Set(float64(s.PoolWaiting))
	PoolTimeouts.Set(float64(s.PoolTimeouts))
	LockEntries.Set(float64(s.LockEntries))
	LockTimeouts.Set(float64(s.LockTimeouts))
	CacheEntries.Set(float64(s.CacheEntries))
	CacheRequests.WithLabelValues("hit").Set(float64(s.CacheHits))
	CacheRequests.WithLabelValues("miss").Set(float64(s.CacheMisses))
	EventsActive.Set(float64(s.ActiveEvents))
}
