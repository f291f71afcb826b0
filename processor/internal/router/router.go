// Package router turns change notifications into queue messages according to
// declarative rules, and relays change feed partitions into the router.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
)

// ErrRoutingMiss reports that a notification matched no rule. The
// notification is dropped; callers should not treat this as a failure.
var ErrRoutingMiss = errors.New("notification matched no routing rule")

// Routed is one message produced for a notification.
type Routed struct {
	Queue     string
	Rule      string
	MessageID string
	GroupKey  string
}

// Router evaluates rules in order. Every matching rule contributes its
// queues; a queue named by several matching rules receives one message, with
// the group key of the first rule that named it.
type Router struct {
	rules  []Rule
	queues map[string]queue.Queue
	logger *logging.Logger
}

// New checks that every queue named by rules is present in queues.
func New(rules *RuleSet, queues map[string]queue.Queue, logger *logging.Logger) (*Router, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	for _, name := range rules.Queues() {
		if _, ok := queues[name]; !ok {
			return nil, fmt.Errorf("routing rules reference unknown queue %q", name)
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{rules: rules.Rules, queues: queues, logger: logger}, nil
}

// DedupID is the enqueue dedup id for an event on a queue. Re-relaying the
// same notification within the dedup window produces no second message.
func DedupID(queueName, eventKey string) string {
	return queueName + ":" + eventKey
}

// Route enqueues n on every destination queue and returns what was sent.
// It does not wait for processing. A notification that matches nothing is
// logged and ErrRoutingMiss is returned with no messages.
func (r *Router) Route(ctx context.Context, n models.ChangeNotification) ([]Routed, error) {
	var payload map[string]any
	if n.Event != nil && len(n.Event.Payload) > 0 {
		// Payload conditions simply fail to match on a non-object body.
		_ = json.Unmarshal(n.Event.Payload, &payload)
	}

	var dests []Routed
	seen := make(map[string]bool)
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.Matches(&n, payload) {
			continue
		}
		group := ""
		if rule.GroupBy != "" {
			group, _ = fieldValue(&n, payload, rule.GroupBy)
		}
		for _, q := range rule.Queues {
			if seen[q] {
				continue
			}
			seen[q] = true
			dests = append(dests, Routed{Queue: q, Rule: rule.Name, GroupKey: group})
		}
	}

	if len(dests) == 0 {
		metrics.RoutingMisses.Inc()
		r.logger.InfoContext(ctx, "notification matched no routing rule, dropping",
			logging.EventKey(n.EventKey),
			logging.Partition(n.Partition),
			logging.Position(n.Position))
		return nil, ErrRoutingMiss
	}

	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", n.EventKey, err)
	}

	for i := range dests {
		d := &dests[i]
		id, err := r.queues[d.Queue].Enqueue(ctx, body, queue.EnqueueOptions{
			GroupKey: d.GroupKey,
			DedupID:  DedupID(d.Queue, n.EventKey),
		})
		if err != nil {
			return dests[:i], fmt.Errorf("enqueue %s to %s: %w", n.EventKey, d.Queue, err)
		}
		d.MessageID = id
		metrics.RoutedMessages.WithLabelValues(d.Queue, d.Rule).Inc()
		r.logger.DebugContext(ctx, "notification routed",
			logging.EventKey(n.EventKey),
			logging.Queue(d.Queue),
			logging.Rule(d.Rule),
			logging.MessageID(id))
	}
	return dests, nil
}
