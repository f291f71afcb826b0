// Package queue is the durable at-least-once work queue between the router
// and the batch processor.
//
// Every message follows one state machine:
//
//	Pending -> InFlight(expiresAt) -> Deleted
//	                               -> Pending       (visibility expired, retries left)
//	                               -> DeadLettered  (visibility expired after MaxReceiveCount receives)
//
// A received message is hidden for the visibility timeout. If it is not
// deleted before the timeout it becomes visible again, which is how failed
// work is retried.
package queue

import (
	"context"
	"errors"
	"time"
)

// Defaults.
const (
	DefaultMaxReceiveCount   = 3
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxBatch          = 10
	DefaultDedupWindow       = 5 * time.Minute
)

var (
	// ErrNotFound is returned when the message is not in flight on this queue.
	ErrNotFound = errors.New("message not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// State is a message's position in the delivery state machine.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateDeleted      State = "deleted"
	StateDeadLettered State = "dead_lettered"
)

// Message is one unit of work.
type Message struct {
	ID    string
	Queue string
	Body  []byte
	// ReceiveCount is incremented on every receive that is not followed by a delete.
	ReceiveCount int
	// VisibleAfter is when an in-flight message is reclaimed.
	VisibleAfter time.Time
	GroupKey     string
	DedupID      string
	EnqueuedAt   time.Time
	State        State
}

// EnqueueOptions are per-message enqueue settings.
type EnqueueOptions struct {
	// GroupKey gives FIFO delivery with one message in flight per group.
	GroupKey string
	// DedupID drops repeated enqueues inside the dedup window.
	DedupID string
}

// Queue is the consumer-facing queue API.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, body []byte, opts EnqueueOptions) (string, error)
	// ReceiveBatch returns up to max visible messages, waiting up to wait
	// for at least one.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, id string) error
	// ChangeVisibility hides an in-flight message for d from now. Zero
	// releases it immediately.
	ChangeVisibility(ctx context.Context, id string, d time.Duration) error
	// Depth counts messages not yet deleted or dead-lettered.
	Depth(ctx context.Context) (int, error)
}

// DeadLetterFunc receives a message that exhausted its receives.
type DeadLetterFunc func(ctx context.Context, msg Message, reason string) error

// Options configure a queue.
type Options struct {
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	MaxBatch          int
	DedupWindow       time.Duration
	DeadLetter        DeadLetterFunc
}

func (o Options) withDefaults() Options {
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	return o
}

func clampBatch(max, limit int) int {
	if max <= 0 || max > limit {
		return limit
	}
	return max
}
