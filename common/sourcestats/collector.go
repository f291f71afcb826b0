package sourcestats

import (
	"context"
	"sync"
	"time"

	"github.com/cvanalytics/pipeline/common/logging"
)

const flushTimeout = 10 * time.Second

// Flusher writes one batch.
type Flusher interface {
	Flush(ctx context.Context, b *Batch) error
}

// Collector accumulates deliveries in memory and flushes them periodically,
// so the request path never waits on Redis. Safe for concurrent use.
type Collector struct {
	client   Flusher
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCollector starts the flush loop.
func NewCollector(client Flusher, interval time.Duration, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Collector{
		client:   client,
		interval: interval,
		logger:   logger,
		batches:  make(map[string]*Batch),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Record counts one delivery for source.
func (c *Collector) Record(source string, accepted bool, remoteIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[source]
	if !ok {
		b = NewBatch(source)
		c.batches[source] = b
	}
	b.Add(accepted, remoteIP)
}

func (c *Collector) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

// flush swaps out the pending batches. Failed batches are merged back and
// retried on the next tick.
func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for source, b := range batches {
		if err := c.client.Flush(ctx, b); err != nil {
			c.logger.Warn("failed to flush source stats", logging.Source(source), logging.Error(err))
			c.mu.Lock()
			if existing, ok := c.batches[source]; ok {
				existing.Merge(b)
			} else {
				c.batches[source] = b
			}
			c.mu.Unlock()
		}
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop flushes what is pending and ends the loop.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Pending returns unflushed delivery counts per source.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.batches))
	for source, b := range c.batches {
		out[source] = b.Accepted + b.Rejected
	}
	return out
}
