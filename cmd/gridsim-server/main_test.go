package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/persistence/snapshot"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const fastScenario = `
simulation:
  tick_interval_seconds: 0.05
devices:
  - id: gen
    output_rate: 3
  - id: lamp
    input_rate: 1
  - id: pump
    utility: water
    input_rate: 1
`

func TestGridsimServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(scenarioPath, []byte(fastScenario), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := Config{
		ListenAddress: lis.Addr().String(),
		LogLevel:      "warn",
		LogFormat:     "text",
		ScenarioPath:  scenarioPath,
		SnapshotPath:  filepath.Join(dir, "out.snap.zst"),
		FrameInterval: 10 * time.Millisecond,
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(cfg.ListenAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	waitForStatus(ctx, t, client, "network.power", healthpb.HealthCheckResponse_SERVING)
	// The pump has no supply, so the water network never meets demand.
	waitForStatus(ctx, t, client, "network.water", healthpb.HealthCheckResponse_NOT_SERVING)

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("server returned error: %v", err)
	}

	snap, err := snapshot.ReadSnapshot(cfg.SnapshotPath)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Devices) != 3 || len(snap.Networks) != 2 {
		t.Fatalf("snapshot has %d devices / %d networks, want 3 / 2", len(snap.Devices), len(snap.Networks))
	}
}

func TestRunFailsOnMissingScenario(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	cfg := Config{ScenarioPath: filepath.Join(t.TempDir(), "missing.yaml"), FrameInterval: time.Millisecond}
	if err := run(context.Background(), cfg, nil, lis); err == nil {
		t.Fatalf("expected error for missing scenario")
	}
}

func waitForStatus(ctx context.Context, t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	var last healthpb.HealthCheckResponse_ServingStatus
	for ctx.Err() == nil {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err == nil {
			last = resp.GetStatus()
			if last == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s status = %v, want %v", service, last, want)
}
