package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus/memory"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/reconcile"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

type testEngine struct {
	states      map[string]vmstate.State
	started     []executor.VMSpec
	migrateArgs []string
	setupErr    error
	commands    []db.CommandRecord
	journalErr  error
}

func (e *testEngine) Start(context.Context) error { return nil }
func (e *testEngine) Stop(context.Context) error  { return nil }

func (e *testEngine) StartVM(_ context.Context, spec executor.VMSpec) executor.StartResult {
	e.started = append(e.started, spec)
	return executor.StartResult{Result: executor.Result{Success: true, Message: "started " + spec.Name}, VNCPort: 5901}
}

func (e *testEngine) StopVM(_ context.Context, name string) executor.Result {
	return executor.Result{Success: false, Message: "stop " + name + " timed out"}
}

func (e *testEngine) RebootVM(_ context.Context, name string) executor.StartResult {
	return executor.StartResult{Result: executor.Result{Success: true}, VNCPort: 5902}
}

func (e *testEngine) MigrateVM(_ context.Context, name, destHostID, destIP string) executor.Result {
	e.migrateArgs = []string{name, destHostID, destIP}
	return executor.Result{Success: true}
}

func (e *testEngine) PrepareForMigration(_ context.Context, spec executor.VMSpec) executor.Result {
	return executor.Result{Success: true, Message: "prepared " + spec.Name}
}

func (e *testEngine) PollStatus(context.Context) (map[string]vmstate.State, error) {
	return map[string]vmstate.State{"i-2-1-VM": vmstate.StateStopped}, nil
}

func (e *testEngine) ListVMs() map[string]vmstate.State { return e.states }

func (e *testEngine) GetVM(name string) (vmstate.State, bool) {
	s, ok := e.states[name]
	return s, ok
}

func (e *testEngine) ReconcileStatus() reconcile.Status { return reconcile.Status{Passes: 3} }

func (e *testEngine) PoolRecord() pool.Record {
	return pool.Record{PoolAlias: "p1", Role: pool.RoleMaster}
}

func (e *testEngine) SetupPool(context.Context, pool.Repository) (pool.Record, error) {
	return pool.Record{Role: pool.RoleUnowned}, e.setupErr
}

func (e *testEngine) RecentCommands(_ context.Context, vm string, limit int) ([]db.CommandRecord, error) {
	return e.commands, e.journalErr
}

var _ hostagent.Engine = (*testEngine)(nil)

func newTestRouter(engine *testEngine, opts Options) (http.Handler, *memory.Bus) {
	bus := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, engine, bus, opts), bus
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndOpenAPI(t *testing.T) {
	h, _ := newTestRouter(&testEngine{}, Options{})
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/openapi.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("openapi: %d %s", rec.Code, rec.Body.String())
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, p := range []string{"/api/v1/vms", "/api/v1/vms/{name}/migrate", "/api/v1/pool/setup", "/ws/v1/events"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi missing path %s", p)
		}
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h, _ := newTestRouter(&testEngine{}, Options{APIKey: "secret"})
	if rec := do(t, h, http.MethodGet, "/api/v1/pool", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/pool", "", map[string]string{APIKeyHeader: "secret"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with header, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/pool?api_key=secret", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query key, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestCIDRFilter(t *testing.T) {
	// httptest requests originate from 192.0.2.1.
	h, _ := newTestRouter(&testEngine{}, Options{AllowCIDRs: []string{"10.0.0.0/8"}})
	if rec := do(t, h, http.MethodGet, "/api/v1/pool", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	h, _ = newTestRouter(&testEngine{}, Options{AllowCIDRs: []string{"192.0.2.0/24"}})
	if rec := do(t, h, http.MethodGet, "/api/v1/pool", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartVMRequest(t *testing.T) {
	engine := &testEngine{}
	h, _ := newTestRouter(engine, Options{})

	if rec := do(t, h, http.MethodPost, "/api/v1/vms", "{", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/vms", `{"cpus":1}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", rec.Code)
	}

	body := `{"name":"r-4-VM","type":"system","cpus":1,"memory_mb":256,"nics":[{"mac":"06:00:00:00:00:01","ip":"169.254.1.5","traffic_type":"control"}]}`
	rec := do(t, h, http.MethodPost, "/api/v1/vms", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var res executor.StartResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.VNCPort != 5901 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(engine.started) != 1 || engine.started[0].ControlIP() != "169.254.1.5" || engine.started[0].Type != executor.TypeSystem {
		t.Fatalf("spec not forwarded: %+v", engine.started)
	}
}

func TestFailedCommandStillAnswers200(t *testing.T) {
	h, _ := newTestRouter(&testEngine{}, Options{})
	rec := do(t, h, http.MethodPost, "/api/v1/vms/i-2-3-VM/stop", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res executor.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Success || !strings.Contains(res.Message, "i-2-3-VM") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMigrateForwardsDestination(t *testing.T) {
	engine := &testEngine{}
	h, _ := newTestRouter(engine, Options{})
	rec := do(t, h, http.MethodPost, "/api/v1/vms/i-2-3-VM/migrate", `{"dest_host_id":"host-9","dest_ip":"10.0.0.12"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("migrate: %d", rec.Code)
	}
	if strings.Join(engine.migrateArgs, ",") != "i-2-3-VM,host-9,10.0.0.12" {
		t.Fatalf("unexpected args %v", engine.migrateArgs)
	}
}

func TestVMQueries(t *testing.T) {
	engine := &testEngine{states: map[string]vmstate.State{
		"b-VM": vmstate.StateStopped,
		"a-VM": vmstate.StateRunning,
	}}
	h, _ := newTestRouter(engine, Options{})

	rec := do(t, h, http.MethodGet, "/api/v1/vms", "", nil)
	var list []VMStateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].Name != "a-VM" || list[0].State != "running" {
		t.Fatalf("unexpected list %+v", list)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/vms/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/status", "", nil)
	var status StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Changes["i-2-1-VM"] != "stopped" || status.Reconcile.Passes != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestPoolSetupErrors(t *testing.T) {
	engine := &testEngine{setupErr: &pool.ConfigError{Detail: "storage host", Err: pool.ErrMissingParameter}}
	h, _ := newTestRouter(engine, Options{})
	if rec := do(t, h, http.MethodPost, "/api/v1/pool/setup", `{"storage_type":"nfs"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for config error, got %d", rec.Code)
	}
	engine.setupErr = context.DeadlineExceeded
	if rec := do(t, h, http.MethodPost, "/api/v1/pool/setup", `{"storage_type":"nfs"}`, nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for transient error, got %d", rec.Code)
	}
}

func TestJournalCommands(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := &testEngine{commands: []db.CommandRecord{{
		ID: 7, Kind: db.CommandStart, VMName: "i-2-3-VM", Success: true,
		StartedAt: started, FinishedAt: started.Add(1500 * time.Millisecond),
	}}}
	h, _ := newTestRouter(engine, Options{})

	if rec := do(t, h, http.MethodGet, "/api/v1/journal/commands?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/journal/commands?vm=i-2-3-VM&limit=5", "", nil)
	var out []CommandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Kind != "start" || out[0].DurationMS != 1500 {
		t.Fatalf("unexpected commands %+v", out)
	}

	engine.journalErr = hostagent.ErrJournalDisabled
	if rec := do(t, h, http.MethodGet, "/api/v1/journal/commands", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func waitForSubscribers(t *testing.T, bus *memory.Bus, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(topic) < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber on %s never registered", topic)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEStreamsVMEvents(t *testing.T) {
	h, bus := newTestRouter(&testEngine{}, Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/vms", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	waitForSubscribers(t, bus, events.TopicVMEvents, 1)

	if err := bus.Publish(ctx, events.TopicVMEvents, events.VMEvent{Type: events.TypeVMStateChanged, Name: "i-2-3-VM", State: "running"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "event: "+events.TypeVMStateChanged {
		t.Fatalf("unexpected event line %q %v", line, err)
	}
	line, err = reader.ReadString('\n')
	if err != nil || !strings.Contains(line, `"name":"i-2-3-VM"`) {
		t.Fatalf("unexpected data line %q %v", line, err)
	}
}

func TestWebSocketStreamsPoolEvents(t *testing.T) {
	h, bus := newTestRouter(&testEngine{}, Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, bus, events.TopicPoolEvents, 1)

	if err := bus.Publish(context.Background(), events.TopicPoolEvents, events.PoolEvent{Type: events.TypePoolBecameMaster, Role: "master"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.PoolEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != events.TypePoolBecameMaster || got.Role != "master" {
		t.Fatalf("unexpected event %+v", got)
	}
}
