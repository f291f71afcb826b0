package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/common/retry"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
)

// DefaultConsumer is the checkpoint name used by relays.
const DefaultConsumer = "router"

// Relay reads every partition of a change feed from its checkpoint and hands
// notifications to a Router. The checkpoint is advanced only after routing
// succeeded, so a restart re-routes at most the notification in progress;
// queue dedup absorbs the repeat.
type Relay struct {
	feed        changefeed.Feed
	checkpoints changefeed.Checkpoints
	router      *Router
	consumer    string
	policy      retry.Policy
	discovery   time.Duration
	logger      *logging.Logger

	mu      sync.Mutex
	running map[string]bool
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithConsumer overrides DefaultConsumer.
func WithConsumer(name string) RelayOption {
	return func(r *Relay) { r.consumer = name }
}

// WithRetryPolicy sets the backoff used around enqueue failures.
func WithRetryPolicy(p retry.Policy) RelayOption {
	return func(r *Relay) { r.policy = p }
}

// WithDiscoveryInterval sets how often new partitions are looked for.
func WithDiscoveryInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.discovery = d
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *logging.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

func NewRelay(feed changefeed.Feed, checkpoints changefeed.Checkpoints, router *Router, opts ...RelayOption) *Relay {
	r := &Relay{
		feed:        feed,
		checkpoints: checkpoints,
		router:      router,
		consumer:    DefaultConsumer,
		policy:      retry.DefaultPolicy(),
		discovery:   time.Second,
		logger:      logging.Discard(),
		running:     make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run relays every partition until ctx is done. Partitions created later are
// picked up on the discovery interval.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(r.discovery)
	defer ticker.Stop()

	for {
		partitions, err := r.feed.Partitions(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "list change feed partitions", logging.Error(err))
		}
		for _, p := range partitions {
			if !r.claim(p) {
				continue
			}
			wg.Add(1)
			go func(partition string) {
				defer wg.Done()
				r.RunPartition(ctx, partition)
			}(p)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) claim(partition string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[partition] {
		return false
	}
	r.running[partition] = true
	return true
}

// RunPartition relays one partition until ctx is done, reopening the cursor
// from the checkpoint after any failure.
func (r *Relay) RunPartition(ctx context.Context, partition string) {
	log := r.logger.With(logging.Partition(partition))
	failures := 0
	for ctx.Err() == nil {
		err := r.relay(ctx, partition)
		if ctx.Err() != nil {
			return
		}
		failures++
		log.ErrorContext(ctx, "relay stopped, reopening from checkpoint", logging.Error(err))
		delay := r.policy.Delay(failures)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Relay) relay(ctx context.Context, partition string) error {
	cur, err := r.open(ctx, partition)
	if err != nil {
		return err
	}
	defer cur.Close()

	for {
		n, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		metrics.NotificationsRelayed.WithLabelValues(partition).Inc()
		if err := r.Forward(ctx, n); err != nil {
			return err
		}
	}
}

// open positions a cursor just after the checkpoint. A checkpoint outside the
// retention window restarts from the oldest retained notification; the
// skipped range is logged because it cannot be recovered from the feed.
func (r *Relay) open(ctx context.Context, partition string) (changefeed.Cursor, error) {
	from := changefeed.PositionOldest
	cp, ok, err := r.checkpoints.Load(ctx, r.consumer, partition)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", partition, err)
	}
	if ok {
		from = cp + 1
	}

	cur, err := r.feed.Open(ctx, partition, from)
	if errors.Is(err, changefeed.ErrPositionExpired) {
		metrics.RelayResyncs.WithLabelValues(partition).Inc()
		r.logger.WarnContext(ctx, "checkpoint expired, resuming from oldest retained change",
			logging.Partition(partition),
			logging.Position(int64(from)))
		cur, err = r.feed.Open(ctx, partition, changefeed.PositionOldest)
	}
	if err != nil {
		return nil, fmt.Errorf("open change feed %s: %w", partition, err)
	}
	return cur, nil
}

// Forward routes one notification with retries, then saves the checkpoint.
// A routing miss counts as handled.
func (r *Relay) Forward(ctx context.Context, n models.ChangeNotification) error {
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		_, err := r.router.Route(ctx, n)
		if errors.Is(err, ErrRoutingMiss) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("route %s: %w", n.EventKey, err)
	}
	if err := r.checkpoints.Save(ctx, r.consumer, n.Partition, changefeed.Position(n.Position)); err != nil {
		return fmt.Errorf("save checkpoint %s@%d: %w", n.Partition, n.Position, err)
	}
	return nil
}
