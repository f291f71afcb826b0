// Package maintenance runs the processor's periodic housekeeping: change log
// retention and queue gauges.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
)

// Pruner drops change notifications older than its retention window.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Scheduler wraps a gocron scheduler with the processor's jobs.
type Scheduler struct {
	scheduler   gocron.Scheduler
	feed        Pruner
	queues      []queue.Queue
	deadLetters dlq.Store
	logger      *logging.Logger
	now         func() time.Time
	timeout     time.Duration
}

func NewScheduler(feed Pruner, queues []queue.Queue, deadLetters dlq.Store, logger *logging.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		scheduler:   s,
		feed:        feed,
		queues:      queues,
		deadLetters: deadLetters,
		logger:      logger,
		now:         time.Now,
		timeout:     30 * time.Second,
	}, nil
}

// SchedulePrune runs PruneChanges every interval, starting now.
func (s *Scheduler) SchedulePrune(interval time.Duration) (string, error) {
	if s.feed == nil {
		return "", fmt.Errorf("no change feed to prune")
	}
	return s.every("prune-changes", interval, func(ctx context.Context) {
		if _, err := s.PruneChanges(ctx); err != nil {
			s.logger.ErrorContext(ctx, "change log prune failed", logging.Error(err))
		}
	})
}

// ScheduleGauges runs RefreshGauges every interval, starting now.
func (s *Scheduler) ScheduleGauges(interval time.Duration) (string, error) {
	return s.every("refresh-gauges", interval, s.RefreshGauges)
}

func (s *Scheduler) every(name string, interval time.Duration, fn func(ctx context.Context)) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("%s: interval must be positive", name)
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			fn(ctx)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create %s job: %w", name, err)
	}
	return job.ID().String(), nil
}

// PruneChanges removes expired change notifications.
func (s *Scheduler) PruneChanges(ctx context.Context) (int, error) {
	n, err := s.feed.Prune(ctx, s.now())
	if err != nil {
		return 0, err
	}
	metrics.ChangesPruned.Add(float64(n))
	if n > 0 {
		s.logger.InfoContext(ctx, "pruned expired change notifications", "pruned", n)
	}
	return n, nil
}

// RefreshGauges samples queue depth and dead-letter counts. Sampling a
// memory queue also moves its expired, exhausted messages to the DLQ.
func (s *Scheduler) RefreshGauges(ctx context.Context) {
	for _, q := range s.queues {
		depth, err := q.Depth(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "queue depth unavailable", logging.Queue(q.Name()), logging.Error(err))
			continue
		}
		metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(depth))
	}
	if s.deadLetters == nil {
		return
	}
	n, err := s.deadLetters.Count(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "dead-letter count unavailable", logging.Error(err))
		return
	}
	metrics.DeadLetters.Set(float64(n))
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("Starting maintenance scheduler", "jobs", len(s.scheduler.Jobs()))
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
