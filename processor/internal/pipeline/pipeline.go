// Package pipeline assembles the processor's moving parts: the relay that
// drains the change feed into queues, and one batch processor per queue.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/retry"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/processor"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
	"github.com/cvanalytics/pipeline/processor/internal/realtime"
	"github.com/cvanalytics/pipeline/processor/internal/router"
)

// QueueFactory builds the queue with the given name.
type QueueFactory func(name string) (queue.Queue, error)

// Deps are the backends the pipeline runs on.
type Deps struct {
	Feed        changefeed.Feed
	Checkpoints changefeed.Checkpoints
	NewQueue    QueueFactory
	Aggregates  aggregate.Store
	DeadLetters dlq.Store
	// Index is optional. Appends go through an AsyncAppender.
	Index correlation.Index
	// Notifier is optional.
	Notifier realtime.Notifier
	Logger   *logging.Logger
	// Clock stamps aggregate updates. Nil means time.Now.
	Clock func() time.Time
}

// Settings tune the relay and processors. Zero values take package defaults.
type Settings struct {
	Rules             *router.RuleSet
	Consumer          string
	DiscoveryInterval time.Duration
	// Workers is the number of polling workers per queue.
	Workers     int
	BatchSize   int
	ReceiveWait time.Duration
	Budget      time.Duration
	Concurrency int
	Retry       retry.Policy
	IndexBuffer int
}

// Pipeline is a wired relay plus processors.
type Pipeline struct {
	Queues     map[string]queue.Queue
	Router     *router.Router
	Relay      *router.Relay
	Processors []*processor.Processor

	workers  []*processor.Worker
	appender *correlation.AsyncAppender
	logger   *logging.Logger
}

// New builds every queue named by the rules and a processor for each.
func New(deps Deps, s Settings) (*Pipeline, error) {
	if deps.Feed == nil || deps.Checkpoints == nil || deps.NewQueue == nil {
		return nil, fmt.Errorf("pipeline: feed, checkpoints and queue factory are required")
	}
	if deps.Aggregates == nil || deps.DeadLetters == nil {
		return nil, fmt.Errorf("pipeline: aggregate store and dead-letter store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	rules := s.Rules
	if rules == nil {
		rules = router.DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry = retry.DefaultPolicy()
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}

	p := &Pipeline{Queues: make(map[string]queue.Queue), logger: logger}
	for _, name := range rules.Queues() {
		q, err := deps.NewQueue(name)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		p.Queues[name] = q
	}

	r, err := router.New(rules, p.Queues, logger)
	if err != nil {
		return nil, err
	}
	p.Router = r

	relayOpts := []router.RelayOption{
		router.WithRetryPolicy(s.Retry),
		router.WithRelayLogger(logger),
	}
	if s.Consumer != "" {
		relayOpts = append(relayOpts, router.WithConsumer(s.Consumer))
	}
	if s.DiscoveryInterval > 0 {
		relayOpts = append(relayOpts, router.WithDiscoveryInterval(s.DiscoveryInterval))
	}
	p.Relay = router.NewRelay(deps.Feed, deps.Checkpoints, r, relayOpts...)

	applierOpts := []aggregate.ApplierOption{}
	if deps.Clock != nil {
		applierOpts = append(applierOpts, aggregate.WithClock(deps.Clock))
	}
	applier := aggregate.NewApplier(deps.Aggregates, applierOpts...)

	procOpts := []processor.Option{
		processor.WithRetryPolicy(s.Retry),
		processor.WithBudget(s.Budget),
		processor.WithConcurrency(s.Concurrency),
		processor.WithLogger(logger),
	}
	if deps.Index != nil {
		p.appender = correlation.NewAsyncAppender(deps.Index, s.IndexBuffer, logger)
		procOpts = append(procOpts, processor.WithIndex(p.appender))
	}
	if deps.Notifier != nil {
		procOpts = append(procOpts, processor.WithNotifier(deps.Notifier))
	}

	for _, q := range p.QueueList() {
		opts := procOpts
		if q.Name() != router.DefaultQueue {
			// Fanned-out queues count the same events into their own records.
			opts = append(slices.Clone(procOpts), processor.WithAggregateScope(q.Name()))
		}
		proc := processor.New(q, applier, deps.DeadLetters, opts...)
		p.Processors = append(p.Processors, proc)
		for i := 0; i < s.Workers; i++ {
			p.workers = append(p.workers, processor.NewWorker(proc, s.BatchSize, s.ReceiveWait))
		}
	}
	return p, nil
}

// QueueList returns the queues ordered by name.
func (p *Pipeline) QueueList() []queue.Queue {
	names := make([]string, 0, len(p.Queues))
	for name := range p.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]queue.Queue, 0, len(names))
	for _, name := range names {
		out = append(out, p.Queues[name])
	}
	return out
}

// Run relays and processes until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Relay.Run(ctx) })
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	p.logger.InfoContext(ctx, "pipeline running", "queues", len(p.Queues), "workers", len(p.workers))
	return g.Wait()
}

// Close drains pending timeline appends. Call after Run returns.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.appender == nil {
		return nil
	}
	if err := p.appender.Close(ctx); err != nil {
		return fmt.Errorf("drain correlation index: %w", err)
	}
	return nil
}
