package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/messaging"
)

// BusClient is the part of the NATS client the bridge uses.
type BusClient interface {
	PublishJSON(ctx context.Context, subject string, data any) error
	Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// Bridge shares changes between processor instances over NATS. Each
// instance's Publisher sees changes committed by any instance, so a
// subscriber can connect to whichever instance it reaches.
type Bridge struct {
	bus    BusClient
	local  *Publisher
	origin string
	logger *logging.Logger
	sub    messaging.Subscription
}

func NewBridge(bus BusClient, local *Publisher, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bridge{
		bus:    bus,
		local:  local,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Origin identifies this instance on the bus.
func (b *Bridge) Origin() string { return b.origin }

// Start listens for changes from other instances.
func (b *Bridge) Start() error {
	sub, err := b.bus.Subscribe(messaging.SubjectRealtimeChanges, b.receive)
	if err != nil {
		return fmt.Errorf("subscribe to realtime changes: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *Bridge) receive(ctx context.Context, msg *messaging.Message) error {
	var c Change
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		b.logger.WarnContext(ctx, "discarding malformed realtime change", logging.Error(err))
		return nil
	}
	if c.Origin == b.origin {
		return nil
	}
	return b.local.Notify(ctx, c)
}

// Notify delivers change locally and publishes it for other instances. A
// bus failure is returned after local delivery has happened.
func (b *Bridge) Notify(ctx context.Context, change Change) error {
	change.Origin = b.origin
	if err := b.local.Notify(ctx, change); err != nil {
		return err
	}
	if err := b.bus.PublishJSON(ctx, messaging.SubjectRealtimeChanges, change); err != nil {
		return fmt.Errorf("publish realtime change: %w", err)
	}
	return nil
}

// Stop unsubscribes from the bus.
func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
