package seeder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvanalytics/pipeline/cli/internal/client"
)

// Sender posts one signed delivery.
type Sender interface {
	Send(ctx context.Context, d client.Delivery, secret string) (*client.DeliveryResult, error)
}

// Summary tallies a seeding run.
type Summary struct {
	Sent   int
	Failed int
	// Correlations counts accepted deliveries per correlation id.
	Correlations map[string]int
	// Errors holds the first few failure messages.
	Errors []string
}

const maxReportedErrors = 5

// Runner handles the event seeding execution
type Runner struct {
	Config    *Config
	Sender    Sender
	Secret    string
	Generator *Generator
	// Progress, when set, is called after every delivery.
	Progress func(done, total int)
}

// NewRunner creates a new seeder runner
func NewRunner(config *Config, sender Sender, secret string) *Runner {
	return &Runner{
		Config:    config,
		Sender:    sender,
		Secret:    secret,
		Generator: NewGenerator(config),
	}
}

// Run generates Config.Count deliveries and sends them with up to
// Config.Concurrency in flight. Failed deliveries are counted, not retried.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{Correlations: make(map[string]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Config.Concurrency)

	var ticker *time.Ticker
	if r.Config.Interval > 0 {
		ticker = time.NewTicker(r.Config.Interval)
		defer ticker.Stop()
	}

loop:
	for i := 0; i < r.Config.Count; i++ {
		if ticker != nil && i > 0 {
			select {
			case <-gctx.Done():
				break loop
			case <-ticker.C:
			}
		}
		if gctx.Err() != nil {
			break
		}
		d, err := r.Generator.Next()
		if err != nil {
			_ = g.Wait()
			return sum, err
		}
		g.Go(func() error {
			res, err := r.Sender.Send(gctx, client.Delivery{
				Source:     r.Config.Source,
				EventType:  d.EventType,
				DeliveryID: d.DeliveryID,
				Body:       d.Body,
			}, r.Secret)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				if len(sum.Errors) < maxReportedErrors {
					sum.Errors = append(sum.Errors, err.Error())
				}
			} else {
				sum.Sent++
				id := res.CorrelationID
				if id == "" {
					id = d.CorrelationID
				}
				sum.Correlations[id]++
			}
			if r.Progress != nil {
				r.Progress(sum.Sent+sum.Failed, r.Config.Count)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, ctx.Err()
}
