package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/messaging"
	"github.com/cvanalytics/pipeline/common/messaging/nats"
)

// JetStreamStore writes dead letters to a JetStream stream, one subject per
// source queue. Safe for use across multiple processor instances. Entry ids
// are stream sequence numbers.
type JetStreamStore struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	written atomic.Uint64
}

// NewJetStreamStore creates the dead-letter stream if needed.
func NewJetStreamStore(ctx context.Context, js *nats.JetStreamClient) (*JetStreamStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	slog.Info("Dead-letter stream ready", slog.String("stream", nats.DeadLetterStream.Name))
	return &JetStreamStore{js: js, stream: stream}, nil
}

func (s *JetStreamStore) Put(ctx context.Context, e Entry) error {
	prepare(&e, time.Now())
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	headers := map[string]string{messaging.HeaderSourceQueue: e.Queue}
	if _, err := s.js.PublishWithID(ctx, messaging.DeadLetterSubject(e.Queue), e.ID, data, headers); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	s.written.Add(1)
	slog.Warn("Message dead-lettered",
		logging.Queue(e.Queue),
		logging.MessageID(e.MessageID),
		logging.Reason(e.Reason),
		logging.ReceiveCount(e.ReceiveCount))
	return nil
}

func (s *JetStreamStore) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	info, err := s.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	if uint64(limit) > info.State.Msgs {
		limit = int(info.State.Msgs)
	}

	subject := messaging.SubjectDeadLetterPrefix + ".>"
	if queue != "" {
		subject = messaging.DeadLetterSubject(queue)
	}

	// Ephemeral consumer to read messages
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		MaxDeliver:        1,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var out []Entry
	for msg := range msgs.Messages() {
		var e Entry
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			slog.Error("Failed to parse dead letter", logging.Error(err))
			continue
		}
		if md, err := msg.Metadata(); err == nil {
			e.ID = strconv.FormatUint(md.Sequence.Stream, 10)
		}
		out = append(out, e)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		slog.Warn("Dead-letter fetch completed with error", logging.Error(err))
	}
	return out, nil
}

func (s *JetStreamStore) Delete(ctx context.Context, id string) error {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return ErrNotFound
	}
	if err := s.stream.DeleteMsg(ctx, seq); err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (s *JetStreamStore) Count(ctx context.Context) (int, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return int(info.State.Msgs), nil
}

func (s *JetStreamStore) Purge(ctx context.Context) error {
	if err := s.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dead-letter stream: %w", err)
	}
	slog.Info("Dead-letter stream purged")
	return nil
}

// Written is the number of entries this instance published.
func (s *JetStreamStore) Written() uint64 {
	return s.written.Load()
}
