package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClient struct {
	connected  bool
	requestErr error
}

func (f *fakeClient) Publish(context.Context, string, []byte) error { return nil }
func (f *fakeClient) PublishMsg(context.Context, *Message) error    { return nil }
func (f *fakeClient) Request(context.Context, string, []byte, time.Duration) (*Message, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &Message{Data: []byte("pong")}, nil
}
func (f *fakeClient) Subscribe(string, MessageHandler) (Subscription, error) { return nil, nil }
func (f *fakeClient) QueueSubscribe(string, string, MessageHandler) (Subscription, error) {
	return nil, nil
}
func (f *fakeClient) Close() error      { return nil }
func (f *fakeClient) Drain() error      { return nil }
func (f *fakeClient) IsConnected() bool { return f.connected }

func TestCheckClientHealth(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		status := CheckClientHealth(context.Background(), nil)
		assert.False(t, status.Healthy())
		assert.Equal(t, "client is nil", status.Error)
	})

	t.Run("disconnected", func(t *testing.T) {
		status := CheckClientHealth(context.Background(), &fakeClient{})
		assert.False(t, status.Connected)
		assert.False(t, status.Healthy())
	})

	t.Run("no responders is healthy", func(t *testing.T) {
		status := CheckClientHealth(context.Background(), &fakeClient{connected: true, requestErr: errors.New("no responders")})
		assert.True(t, status.Healthy())
	})

	t.Run("round trip", func(t *testing.T) {
		status := CheckClientHealth(context.Background(), &fakeClient{connected: true})
		assert.True(t, status.Healthy())
	})
}
