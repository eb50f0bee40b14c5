package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/eventbus/memory"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor/sim"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/retry"
	"github.com/ccheshirecat/hostagent/internal/server/httpapi"
)

func newTestClient(t *testing.T, apiKey string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.New()
	engine, err := hostagent.New(hostagent.Params{
		Client:       sim.New("ovm-1", "10.0.0.11"),
		Bus:          bus,
		Logger:       logger,
		HostIP:       "10.0.0.11",
		SyncInterval: time.Hour,
		StopPolicy:   retry.Policy{Attempts: 3, Interval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv := httptest.NewServer(httpapi.New(logger, engine, bus, httpapi.Options{APIKey: "k"}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, apiKey)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientCommandRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "k")

	start, err := c.StartVM(ctx, VMSpec{Name: "i-2-5-VM", CPUs: 1, MemoryMB: 256})
	if err != nil || !start.Success {
		t.Fatalf("start: %+v %v", start, err)
	}
	vm, err := c.GetVM(ctx, "i-2-5-VM")
	if err != nil || vm.State != "running" {
		t.Fatalf("get: %+v %v", vm, err)
	}
	stop, err := c.StopVM(ctx, "i-2-5-VM")
	if err != nil || !stop.Success {
		t.Fatalf("stop: %+v %v", stop, err)
	}

	migrate, err := c.MigrateVM(ctx, "i-2-5-VM", MigrateRequest{DestHostID: "host-2", DestIP: "10.0.0.12"})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrate.Success || !strings.Contains(migrate.Message, "host-2") {
		t.Fatalf("unpooled migrate must fail naming the destination: %+v", migrate)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Reconcile.Passes == 0 {
		t.Fatalf("expected a reconcile pass, got %+v", status.Reconcile)
	}

	record, err := c.Pool(ctx)
	if err != nil || record.Role != "unowned" {
		t.Fatalf("pool: %+v %v", record, err)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "wrong")
	if _, err := c.ListVMs(ctx); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}

	c = newTestClient(t, "k")
	if _, err := c.Commands(ctx, "", 5); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected journal disabled error, got %v", err)
	}
	if _, err := c.GetVM(ctx, "missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404, got %v", err)
	}
}
