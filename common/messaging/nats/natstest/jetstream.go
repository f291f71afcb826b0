// Package natstest starts a disposable JetStream-enabled NATS server for
// integration tests.
package natstest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	natsclient "github.com/cvanalytics/pipeline/common/messaging/nats"
)

// StartJetStream runs a NATS container with JetStream enabled and returns a
// connected client. The test is skipped under -short. Cleanup is registered on t.
func StartJetStream(t *testing.T) *natsclient.JetStreamClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	cfg := natsclient.DefaultConfig()
	cfg.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())
	cfg.MaxReconnects = 0
	js, err := natsclient.NewJetStreamClient(cfg)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	return js
}
