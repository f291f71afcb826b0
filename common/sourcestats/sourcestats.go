// Package sourcestats keeps per-source webhook delivery statistics in Redis.
//
// Several ingest instances write concurrently; any service can read.
//
// Redis Key Structure:
//
//	cv:src:stats:{source}                 - Hash: accepted, rejected, last_delivery_at, last_remote_ip
//	cv:src:hourly:{source}:{YYYYMMDDHH}   - Accepted deliveries in that hour (expires 48h)
//	cv:src:daily:{source}:{YYYYMMDD}      - Accepted deliveries on that day (expires 7d)
//	cv:src:ips:{source}:{YYYYMMDD}        - Set of sender IPs for the day (expires 7d)
//	cv:src:instances:{source}             - Hash of ingest instance -> last seen unix time
package sourcestats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "cv:src:"
	hourlyTTL   = 48 * time.Hour
	dailyTTL    = 7 * 24 * time.Hour
	instanceTTL = 24 * time.Hour
)

// Stats is the current view of one source.
type Stats struct {
	Source           string            `json:"source"`
	LastDeliveryAt   *time.Time        `json:"last_delivery_at,omitempty"`
	LastRemoteIP     string            `json:"last_remote_ip,omitempty"`
	Accepted         int64             `json:"accepted"`
	Rejected         int64             `json:"rejected"`
	AcceptedLastHour int64             `json:"accepted_last_hour"`
	AcceptedLast24h  int64             `json:"accepted_last_24h"`
	UniqueIPsToday   int64             `json:"unique_ips_today"`
	IngestInstances  map[string]string `json:"ingest_instances,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at"`
}

// Client records and reads source statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient wraps an existing Redis connection. instanceID should be unique
// per ingest instance (hostname, pod name).
func NewClient(rdb *redis.Client, instanceID string) *Client {
	return &Client{redis: rdb, instanceID: instanceID, now: time.Now}
}

// WithClock replaces time.Now. Tests use it to pin hour and day buckets.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func statsKey(source string) string { return keyPrefix + "stats:" + source }

func hourlyKey(source string, t time.Time) string {
	return keyPrefix + "hourly:" + source + ":" + t.UTC().Format("2006010215")
}

func dailyKey(source string, t time.Time) string {
	return keyPrefix + "daily:" + source + ":" + t.UTC().Format("20060102")
}

func ipsKey(source string, t time.Time) string {
	return keyPrefix + "ips:" + source + ":" + t.UTC().Format("20060102")
}

func instancesKey(source string) string { return keyPrefix + "instances:" + source }

// Batch accumulates deliveries for one source between flushes.
type Batch struct {
	Source    string
	Accepted  int64
	Rejected  int64
	RemoteIPs map[string]struct{}
	LastIP    string
}

func NewBatch(source string) *Batch {
	return &Batch{Source: source, RemoteIPs: make(map[string]struct{})}
}

// Add counts one delivery.
func (b *Batch) Add(accepted bool, remoteIP string) {
	if accepted {
		b.Accepted++
	} else {
		b.Rejected++
	}
	if remoteIP != "" {
		b.RemoteIPs[remoteIP] = struct{}{}
		b.LastIP = remoteIP
	}
}

// Merge folds other into b.
func (b *Batch) Merge(other *Batch) {
	b.Accepted += other.Accepted
	b.Rejected += other.Rejected
	for ip := range other.RemoteIPs {
		b.RemoteIPs[ip] = struct{}{}
	}
	if other.LastIP != "" {
		b.LastIP = other.LastIP
	}
}

func (b *Batch) empty() bool { return b.Accepted == 0 && b.Rejected == 0 }

// Flush writes a batch in one pipeline.
func (c *Client) Flush(ctx context.Context, b *Batch) error {
	if b.empty() {
		return nil
	}
	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	sk := statsKey(b.Source)
	fields := map[string]any{"last_delivery_at": nowUnix}
	if b.LastIP != "" {
		fields["last_remote_ip"] = b.LastIP
	}
	pipe.HSet(ctx, sk, fields)
	pipe.HIncrBy(ctx, sk, "accepted", b.Accepted)
	pipe.HIncrBy(ctx, sk, "rejected", b.Rejected)

	if b.Accepted > 0 {
		hk := hourlyKey(b.Source, now)
		pipe.IncrBy(ctx, hk, b.Accepted)
		pipe.Expire(ctx, hk, hourlyTTL)

		dk := dailyKey(b.Source, now)
		pipe.IncrBy(ctx, dk, b.Accepted)
		pipe.Expire(ctx, dk, dailyTTL)
	}

	if len(b.RemoteIPs) > 0 {
		ips := make([]any, 0, len(b.RemoteIPs))
		for ip := range b.RemoteIPs {
			ips = append(ips, ip)
		}
		ik := ipsKey(b.Source, now)
		pipe.SAdd(ctx, ik, ips...)
		pipe.Expire(ctx, ik, dailyTTL)
	}

	inst := instancesKey(b.Source)
	pipe.HSet(ctx, inst, c.instanceID, nowUnix)
	pipe.Expire(ctx, inst, instanceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush source stats: %w", err)
	}
	return nil
}

// Get returns the statistics for source. An unknown source has zero counts.
func (c *Client) Get(ctx context.Context, source string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(source))
	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hourly[i] = pipe.Get(ctx, hourlyKey(source, now.Add(-time.Duration(i)*time.Hour)))
	}
	ipsCmd := pipe.SCard(ctx, ipsKey(source, now))
	instCmd := pipe.HGetAll(ctx, instancesKey(source))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read source stats: %w", err)
	}

	stats := &Stats{
		Source:          source,
		RetrievedAt:     now,
		IngestInstances: make(map[string]string),
	}

	if m, err := statsCmd.Result(); err == nil {
		if raw, ok := m["last_delivery_at"]; ok {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				stats.LastDeliveryAt = &t
			}
		}
		stats.LastRemoteIP = m["last_remote_ip"]
		stats.Accepted, _ = strconv.ParseInt(m["accepted"], 10, 64)
		stats.Rejected, _ = strconv.ParseInt(m["rejected"], 10, 64)
	}

	for i, cmd := range hourly {
		if val, err := cmd.Int64(); err == nil {
			if i == 0 {
				stats.AcceptedLastHour = val
			}
			stats.AcceptedLast24h += val
		}
	}
	if val, err := ipsCmd.Result(); err == nil {
		stats.UniqueIPsToday = val
	}
	if m, err := instCmd.Result(); err == nil {
		for inst, lastSeen := range m {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.IngestInstances[inst] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}
	return stats, nil
}

// ActiveSources returns the sources with a delivery in the last since,
// sorted by name.
func (c *Client) ActiveSources(ctx context.Context, since time.Duration) ([]string, error) {
	prefix := keyPrefix + "stats:"
	cutoff := c.now().Add(-since).Unix()

	var sources []string
	iter := c.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		last, err := c.redis.HGet(ctx, key, "last_delivery_at").Int64()
		if err == nil && last >= cutoff {
			sources = append(sources, strings.TrimPrefix(key, prefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sources: %w", err)
	}
	sort.Strings(sources)
	return sources, nil
}
