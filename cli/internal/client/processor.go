package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ProcessorClient reads timelines, aggregates and dead letters from the
// processor service.
type ProcessorClient struct {
	baseURL string
	client  *http.Client
}

func NewProcessorClient(baseURL string) *ProcessorClient {
	return &ProcessorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type RecordRef struct {
	Kind         string    `json:"kind"`
	Key          string    `json:"key"`
	ReceivedAt   time.Time `json:"received_at"`
	SequenceHint int64     `json:"sequence_hint"`
}

type Timeline struct {
	CorrelationID string      `json:"correlation_id"`
	Records       []RecordRef `json:"records"`
	Rebuilt       int         `json:"rebuilt,omitempty"`
}

type Aggregate struct {
	Key           string           `json:"aggregate_key"`
	Count         int64            `json:"count"`
	DerivedFields map[string]int64 `json:"derived_fields"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type DeadLetter struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	MessageID    string    `json:"message_id"`
	Body         []byte    `json:"body"`
	GroupKey     string    `json:"group_key,omitempty"`
	ReceiveCount int       `json:"receive_count"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}

type DeadLetterList struct {
	Entries []DeadLetter `json:"entries"`
	Total   int          `json:"total"`
}

func (c *ProcessorClient) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, v)
}

// Timeline fetches the ordered records of one correlation id. With rebuild
// the processor refills the index from the event store first.
func (c *ProcessorClient) Timeline(ctx context.Context, correlationID string, rebuild bool) (*Timeline, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	q := url.Values{}
	if rebuild {
		q.Set("rebuild", "true")
	}
	var out Timeline
	if err := c.get(ctx, "/v1/timeline/"+url.PathEscape(correlationID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) Aggregate(ctx context.Context, key string) (*Aggregate, error) {
	var out Aggregate
	if err := c.get(ctx, "/v1/aggregates/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) Aggregates(ctx context.Context, limit int) ([]Aggregate, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Aggregates []Aggregate `json:"aggregates"`
	}
	if err := c.get(ctx, "/v1/aggregates", q, &out); err != nil {
		return nil, err
	}
	return out.Aggregates, nil
}

// DeadLetters lists parked messages. An empty queue lists every queue.
func (c *ProcessorClient) DeadLetters(ctx context.Context, queue string, limit int) (*DeadLetterList, error) {
	q := url.Values{}
	if queue != "" {
		q.Set("queue", queue)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out DeadLetterList
	if err := c.get(ctx, "/v1/deadletters", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProcessorClient) DeleteDeadLetter(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/deadletters/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}
