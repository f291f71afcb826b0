package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cvanalytics/pipeline/common/models"
)

// Match operators.
const (
	OpEquals = "equals"
	OpPrefix = "prefix"
	OpExists = "exists"
)

// Condition tests one field of a notification.
type Condition struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule sends matching notifications to its queues. An empty Match list
// matches everything.
type Rule struct {
	Name   string      `yaml:"name" json:"name"`
	Queues []string    `yaml:"queues" json:"queues"`
	Match  []Condition `yaml:"match" json:"match"`
	// GroupBy names the field whose value becomes the queue group key.
	// Empty means ungrouped.
	GroupBy string `yaml:"group_by,omitempty" json:"group_by,omitempty"`
}

// RuleSet is the on-disk routing document.
type RuleSet struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// DefaultQueue receives every notification under DefaultRules.
const DefaultQueue = "aggregation"

// DefaultRules sends everything to DefaultQueue, grouped by correlation id.
func DefaultRules() *RuleSet {
	return &RuleSet{Rules: []Rule{{
		Name:    "aggregate-all",
		Queues:  []string{DefaultQueue},
		GroupBy: "correlation_id",
	}}}
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks every rule.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if len(r.Queues) == 0 {
			return fmt.Errorf("rule %q: at least one queue is required", r.Name)
		}
		for _, q := range r.Queues {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("rule %q: empty queue name", r.Name)
			}
		}
		for _, c := range r.Match {
			if c.Field == "" {
				return fmt.Errorf("rule %q: condition field is required", r.Name)
			}
			switch c.Op {
			case OpEquals, OpPrefix, OpExists:
			default:
				return fmt.Errorf("rule %q: unknown operator %q", r.Name, c.Op)
			}
		}
	}
	return nil
}

// Queues lists every queue named by the rule set, without duplicates.
func (rs *RuleSet) Queues() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range rs.Rules {
		for _, q := range r.Queues {
			if !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
	}
	return out
}

// Matches reports whether every condition holds for n.
func (r *Rule) Matches(n *models.ChangeNotification, payload map[string]any) bool {
	for _, c := range r.Match {
		v, ok := fieldValue(n, payload, c.Field)
		switch c.Op {
		case OpExists:
			if !ok {
				return false
			}
		case OpEquals:
			if !ok || v != c.Value {
				return false
			}
		case OpPrefix:
			if !ok || !strings.HasPrefix(v, c.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// fieldValue resolves a dotted field path against a notification.
// Payload values that are not strings are rendered as JSON.
func fieldValue(n *models.ChangeNotification, payload map[string]any, field string) (string, bool) {
	switch field {
	case "partition":
		return n.Partition, n.Partition != ""
	case "change_type":
		return string(n.ChangeType), n.ChangeType != ""
	case "event_key":
		return n.EventKey, n.EventKey != ""
	}

	ev := n.Event
	if ev == nil {
		return "", false
	}
	switch field {
	case "source":
		return ev.Source, ev.Source != ""
	case "event_type":
		return ev.EventType, ev.EventType != ""
	case "correlation_id":
		return ev.CorrelationID, ev.CorrelationID != ""
	}

	path, ok := strings.CutPrefix(field, "payload.")
	if !ok || payload == nil {
		return "", false
	}
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
