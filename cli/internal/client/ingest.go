package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cvanalytics/pipeline/common/signature"
)

type IngestClient struct {
	baseURL string
	client  *http.Client
}

func NewIngestClient(baseURL string) *IngestClient {
	return &IngestClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Delivery is one webhook request. Body is sent byte for byte as signed.
type Delivery struct {
	Source     string
	EventType  string
	DeliveryID string
	Body       []byte
}

// DeliveryResult is the ingest service's acceptance receipt.
type DeliveryResult struct {
	Status        string `json:"status"`
	EventKey      string `json:"event_key"`
	CorrelationID string `json:"correlation_id"`
}

// Send signs d.Body with secret and posts it to /webhooks/{source}. An
// empty secret sends the delivery unsigned.
func (c *IngestClient) Send(ctx context.Context, d Delivery, secret string) (*DeliveryResult, error) {
	if d.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/webhooks/"+url.PathEscape(d.Source), bytes.NewReader(d.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", signature.Sign(d.Body, secret))
	}
	if d.EventType != "" {
		req.Header.Set("X-GitHub-Event", d.EventType)
	}
	if d.DeliveryID != "" {
		req.Header.Set("X-GitHub-Delivery", d.DeliveryID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out DeliveryResult
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SourceStats mirrors the ingest service's per-source delivery counters.
type SourceStats struct {
	Source           string            `json:"source"`
	LastDeliveryAt   *time.Time        `json:"last_delivery_at,omitempty"`
	LastRemoteIP     string            `json:"last_remote_ip,omitempty"`
	Accepted         int64             `json:"accepted"`
	Rejected         int64             `json:"rejected"`
	AcceptedLastHour int64             `json:"accepted_last_hour"`
	AcceptedLast24h  int64             `json:"accepted_last_24h"`
	UniqueIPsToday   int64             `json:"unique_ips_today"`
	IngestInstances  map[string]string `json:"ingest_instances,omitempty"`
}

func (c *IngestClient) SourceStats(ctx context.Context, source string) (*SourceStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sources/"+url.PathEscape(source)+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SourceStats
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
