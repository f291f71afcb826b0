package seeder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

var eventTypes = []string{"issues", "issue_comment", "pull_request", "push"}

func knownEventType(et string) bool {
	for _, known := range eventTypes {
		if et == known {
			return true
		}
	}
	return false
}

// Delivery is one generated webhook: the body exactly as it will be signed.
type Delivery struct {
	EventType     string
	DeliveryID    string
	CorrelationID string
	Body          []byte
}

// Generator builds GitHub-shaped webhook payloads. Issue and pull request
// numbers are drawn from a fixed pool so each correlation id collects a
// timeline of several events.
type Generator struct {
	faker        *gofakeit.Faker
	eventTypes   []string
	repositories []string
	numbers      []int
	now          func() time.Time
}

// NewGenerator returns a generator. A zero seed seeds from the clock.
func NewGenerator(cfg *Config) *Generator {
	faker := gofakeit.New(cfg.Seed)
	repos := cfg.Repositories
	if len(repos) == 0 {
		repos = []string{strings.ToLower(faker.Username()) + "/" + strings.ToLower(faker.AppName())}
	}
	numbers := make([]int, cfg.Correlations)
	for i := range numbers {
		numbers[i] = faker.Number(1, 9999)
	}
	return &Generator{
		faker:        faker,
		eventTypes:   cfg.EventTypes,
		repositories: repos,
		numbers:      numbers,
		now:          time.Now,
	}
}

// Next returns the next delivery. The payload carries a current timestamp
// so it passes the receiver's freshness window.
func (g *Generator) Next() (Delivery, error) {
	eventType := g.eventTypes[g.faker.Number(0, len(g.eventTypes)-1)]
	repo := g.repositories[g.faker.Number(0, len(g.repositories)-1)]
	number := g.numbers[g.faker.Number(0, len(g.numbers)-1)]

	payload := map[string]any{
		"timestamp":  g.now().UTC().Format(time.RFC3339Nano),
		"repository": map[string]any{"full_name": repo},
		"sender":     g.user(),
	}
	correlationID := fmt.Sprint(number)

	switch eventType {
	case "issues":
		payload["action"] = g.pick("opened", "edited", "labeled", "closed", "reopened")
		payload["issue"] = g.issue(number)
	case "issue_comment":
		payload["action"] = "created"
		payload["issue"] = g.issue(number)
		payload["comment"] = map[string]any{
			"id":   g.faker.Number(100000, 999999),
			"body": g.faker.Sentence(12),
			"user": g.user(),
		}
	case "pull_request":
		payload["action"] = g.pick("opened", "synchronize", "review_requested", "closed")
		payload["pull_request"] = map[string]any{
			"number": number,
			"title":  g.faker.Sentence(6),
			"head":   map[string]any{"ref": g.branch(), "sha": g.sha()},
			"user":   g.user(),
		}
	case "push":
		payload["ref"] = "refs/heads/" + g.branch()
		payload["after"] = g.sha()
		payload["commits"] = []map[string]any{{
			"id":      g.sha(),
			"message": g.faker.Sentence(8),
			"author":  map[string]any{"name": g.faker.Name(), "email": g.faker.Email()},
		}}
		correlationID = repo
	default:
		return Delivery{}, fmt.Errorf("unknown event type %q", eventType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return Delivery{
		EventType:     eventType,
		DeliveryID:    g.faker.UUID(),
		CorrelationID: correlationID,
		Body:          body,
	}, nil
}

func (g *Generator) issue(number int) map[string]any {
	return map[string]any{
		"number": number,
		"title":  g.faker.Sentence(6),
		"state":  g.pick("open", "closed"),
		"user":   g.user(),
	}
}

func (g *Generator) user() map[string]any {
	return map[string]any{"login": strings.ToLower(g.faker.Username()), "id": g.faker.Number(1000, 9999999)}
}

func (g *Generator) branch() string {
	return g.pick("main", "develop") + "-" + strings.ToLower(g.faker.Word())
}

func (g *Generator) sha() string {
	return g.faker.Regex("[0-9a-f]{40}")
}

func (g *Generator) pick(options ...string) string {
	return options[g.faker.Number(0, len(options)-1)]
}
