package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/httputil"
	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/messaging"
	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/handlers"
	"github.com/cvanalytics/pipeline/processor/internal/processor"
	"github.com/cvanalytics/pipeline/processor/internal/server"
)

type fixedStats processor.Stats

func (s fixedStats) Health() processor.Stats { return processor.Stats(s) }

type failingDLQ struct{ *dlq.MemoryStore }

func (failingDLQ) Count(context.Context) (int, error) { return 0, errors.New("down") }

type downBroker struct{ messaging.Client }

func (downBroker) IsConnected() bool { return false }

type fixture struct {
	router      http.Handler
	aggregates  *aggregate.MemoryStore
	index       *correlation.MemoryIndex
	events      *eventstore.MemoryStore
	deadLetters *dlq.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		aggregates:  aggregate.NewMemoryStore(),
		index:       correlation.NewMemoryIndex(),
		events:      eventstore.NewMemoryStore(nil),
		deadLetters: dlq.NewMemoryStore(),
	}
	h := handlers.NewProcessorHandler(f.aggregates, f.index, f.events, f.deadLetters,
		[]handlers.StatsSource{fixedStats{Queue: "aggregation", Processed: 7}}, logging.Discard())
	f.router = server.NewRouter(h, nil)
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func storedEvent(t *testing.T, store *eventstore.MemoryStore, correlationID string, at time.Time, seq int64) models.Event {
	t.Helper()
	ev := models.Event{
		Partition:     "github",
		CorrelationID: correlationID,
		Source:        "github",
		EventType:     "push",
		Payload:       json.RawMessage(`{}`),
		ReceivedAt:    at,
		SequenceHint:  seq,
	}
	ev.Key = models.EventKey(ev.Partition, correlationID, at, seq)
	require.NoError(t, store.Insert(context.Background(), &ev))
	return ev
}

func TestTimeline(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	second := storedEvent(t, f.events, "42", base.Add(time.Second), 2)
	first := storedEvent(t, f.events, "42", base, 1)
	ctx := context.Background()
	require.NoError(t, f.index.Append(ctx, "42", correlation.EventRef(&second)))
	require.NoError(t, f.index.Append(ctx, "42", correlation.EventRef(&first)))

	rec := f.get(t, "/v1/timeline/42")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[handlers.TimelineResponse](t, rec)
	assert.Equal(t, "42", resp.CorrelationID)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, first.Key, resp.Records[0].Key)
	assert.Equal(t, second.Key, resp.Records[1].Key)
}

func TestTimeline_UnknownIDIsEmpty(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/timeline/nobody")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"correlation_id":"nobody","records":[]}`, rec.Body.String())
}

func TestTimeline_Rebuild(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	storedEvent(t, f.events, "7", base, 1)
	storedEvent(t, f.events, "7", base.Add(time.Minute), 2)

	before := decodeBody[handlers.TimelineResponse](t, f.get(t, "/v1/timeline/7"))
	assert.Empty(t, before.Records)

	rec := f.get(t, "/v1/timeline/7?rebuild=true")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handlers.TimelineResponse](t, rec)
	assert.Equal(t, 2, resp.Rebuilt)
	assert.Len(t, resp.Records, 2)
}

func TestTimeline_RebuildWithoutEventStore(t *testing.T) {
	h := handlers.NewProcessorHandler(aggregate.NewMemoryStore(), correlation.NewMemoryIndex(), nil,
		dlq.NewMemoryStore(), nil, logging.Discard())
	rec := httptest.NewRecorder()
	server.NewRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/timeline/7?rebuild=1", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAggregate(t *testing.T) {
	f := newFixture(t)
	applier := aggregate.NewApplier(f.aggregates)
	_, err := applier.Apply(context.Background(), "2026-10-16", "m-1",
		aggregate.Delta{Count: 1, Fields: map[string]int64{"event_type:push": 1}})
	require.NoError(t, err)

	rec := f.get(t, "/v1/aggregates/2026-10-16")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[aggregate.Record](t, rec)
	assert.Equal(t, int64(1), got.Count)
	assert.Equal(t, int64(1), got.DerivedFields["event_type:push"])

	rec = f.get(t, "/v1/aggregates/1999-01-01")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[httputil.ErrorBody](t, rec).Error.Code)

	rec = f.get(t, "/v1/aggregates")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]aggregate.Record](t, rec)
	assert.Len(t, list["aggregates"], 1)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.deadLetters.Put(ctx, dlq.Entry{Queue: "aggregation", MessageID: "m-1", Reason: dlq.ReasonMaxReceives}))
	require.NoError(t, f.deadLetters.Put(ctx, dlq.Entry{Queue: "audit", MessageID: "m-2", Reason: dlq.ReasonTerminal}))

	rec := f.get(t, "/v1/deadletters?queue=aggregation")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []dlq.Entry `json:"entries"`
		Total   int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "m-1", resp.Entries[0].MessageID)
	assert.Equal(t, 2, resp.Total)

	del := httptest.NewRecorder()
	f.router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/deadletters/"+resp.Entries[0].ID, nil))
	assert.Equal(t, http.StatusNoContent, del.Code)

	del = httptest.NewRecorder()
	f.router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/deadletters/missing", nil))
	assert.Equal(t, http.StatusNotFound, del.Code)
}

func TestInvalidLimit(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/deadletters?limit=0", "/v1/deadletters?limit=x", "/v1/aggregates?limit=5000"} {
		assert.Equal(t, http.StatusBadRequest, f.get(t, path).Code, path)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status     string            `json:"status"`
		Processors []processor.Stats `json:"processors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	require.Len(t, health.Processors, 1)
	assert.Equal(t, uint64(7), health.Processors[0].Processed)

	assert.Equal(t, http.StatusOK, f.get(t, "/readyz").Code)

	h := handlers.NewProcessorHandler(f.aggregates, f.index, nil, failingDLQ{dlq.NewMemoryStore()}, nil, logging.Discard())
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndReady_BrokerDown(t *testing.T) {
	h := handlers.NewProcessorHandler(aggregate.NewMemoryStore(), correlation.NewMemoryIndex(), nil,
		dlq.NewMemoryStore(), nil, logging.Discard()).WithBroker(downBroker{})
	router := server.NewRouter(h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string                 `json:"status"`
		Broker messaging.HealthStatus `json:"broker"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.Broker.Connected)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
