package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/cli/internal/client"
)

func testConfig() *Config {
	return &Config{
		Source:       "github",
		Count:        40,
		Correlations: 3,
		Repositories: []string{"acme/widgets"},
		EventTypes:   []string{"issues", "issue_comment", "pull_request", "push"},
		Concurrency:  4,
		Seed:         42,
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "github", cfg.Source)
	assert.Equal(t, 100, cfg.Count)
	assert.Equal(t, 10, cfg.Correlations)
	assert.Len(t, cfg.EventTypes, 4)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("count: 5\nevent_types: [push]\nrepositories: [acme/api]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Count)
	assert.Equal(t, []string{"push"}, cfg.EventTypes)
	assert.Equal(t, []string{"acme/api"}, cfg.Repositories)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source = "" }},
		{"zero count", func(c *Config) { c.Count = 0 }},
		{"zero correlations", func(c *Config) { c.Correlations = 0 }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"no event types", func(c *Config) { c.EventTypes = nil }},
		{"unknown event type", func(c *Config) { c.EventTypes = []string{"deployment"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, testConfig().Validate())
}

func TestGenerator_Payloads(t *testing.T) {
	g := NewGenerator(testConfig())
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	numbers := map[string]bool{}
	for i := 0; i < 50; i++ {
		d, err := g.Next()
		require.NoError(t, err)
		assert.NotEmpty(t, d.DeliveryID)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(d.Body, &doc))
		assert.Equal(t, fixed.Format(time.RFC3339Nano), doc["timestamp"])
		assert.Equal(t, "acme/widgets", doc["repository"].(map[string]any)["full_name"])

		switch d.EventType {
		case "push":
			assert.Equal(t, "acme/widgets", d.CorrelationID)
			assert.Contains(t, doc, "commits")
		case "pull_request":
			assert.Contains(t, doc, "pull_request")
			numbers[d.CorrelationID] = true
		default:
			assert.Contains(t, doc, "issue")
			numbers[d.CorrelationID] = true
		}
	}
	assert.LessOrEqual(t, len(numbers), 3)
}

func TestGenerator_SeedIsReproducible(t *testing.T) {
	a, b := NewGenerator(testConfig()), NewGenerator(testConfig())
	a.now = func() time.Time { return time.Unix(0, 0) }
	b.now = a.now
	for i := 0; i < 5; i++ {
		da, err := a.Next()
		require.NoError(t, err)
		db, err := b.Next()
		require.NoError(t, err)
		assert.Equal(t, da, db)
	}
}

type fakeSender struct {
	mu     sync.Mutex
	bodies [][]byte
	fail   int
}

func (f *fakeSender) Send(_ context.Context, d client.Delivery, secret string) (*client.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if secret != "s3cret" {
		return nil, errors.New("unsigned")
	}
	if f.fail > 0 {
		f.fail--
		return nil, &client.APIError{Status: 503, Code: "store_unavailable"}
	}
	f.bodies = append(f.bodies, d.Body)
	return &client.DeliveryResult{Status: "accepted"}, nil
}

func TestRunner_Run(t *testing.T) {
	sender := &fakeSender{fail: 2}
	r := NewRunner(testConfig(), sender, "s3cret")
	var calls int
	r.Progress = func(done, total int) {
		calls++
		assert.Equal(t, 40, total)
	}

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 38, sum.Sent)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Errors, 2)
	assert.Equal(t, 40, calls)
	assert.Len(t, sender.bodies, 38)

	total := 0
	for _, n := range sum.Correlations {
		total += n
	}
	assert.Equal(t, 38, total)
}

func TestRunner_Cancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(cfg, &fakeSender{}, "s3cret")
	r.Progress = func(done, total int) { cancel() }

	sum, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Sent)
}
