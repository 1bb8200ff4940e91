package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/adapters/bus"
	"github.com/KomaiX512/accountmanager-gate/internal/adapters/etcd"
	"github.com/KomaiX512/accountmanager-gate/internal/application"
	"github.com/KomaiX512/accountmanager-gate/internal/config"
	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

func newTestHandler() (*Handler, *etcd.MemoryLeaseStore, *bus.Notifier) {
	leases := etcd.NewMemoryLeaseStore(nil)
	notifier := bus.NewNotifier()
	gate := application.NewGateService(
		leases,
		etcd.NewMemoryOverrideStore(),
		notifier,
		config.NewStaticPolicy(models.GatePolicy{BlockAllOnAnyActive: true}),
		application.NewSafeguardRegistry(),
		nil,
		"/processing",
		time.Millisecond,
	)
	return NewHandler(gate, notifier, etcd.NewMemoryIdempotencyKeyStore()), leases, notifier
}

func newTestMux() (*http.ServeMux, *etcd.MemoryLeaseStore) {
	h, leases, _ := newTestHandler()
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, leases
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/health/self", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateLeaseRequiresIdempotencyKey(t *testing.T) {
	mux, _ := newTestMux()

	payload := `{"owner":"acct-1","resource":"instagram","duration_seconds":600}`
	req := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestCreateLeaseIsIdempotent(t *testing.T) {
	mux, _ := newTestMux()

	payload := `{"owner":"acct-1","resource":"instagram","duration_seconds":600}`
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(idempotencyHeader, "lease-key-1")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay returned a different body: %s vs %s", first.Body.String(), second.Body.String())
	}

	// Same key, different payload must be rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(`{"owner":"acct-2","resource":"twitter","duration_seconds":60}`))
	req.Header.Set(idempotencyHeader, "lease-key-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on hash mismatch, got %d", w.Code)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	mux, _ := newTestMux()

	create := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(`{"owner":"acct-1","resource":"instagram","duration_seconds":600}`))
	create.Header.Set(idempotencyHeader, "k1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create lease: %d body=%s", w.Code, w.Body.String())
	}

	check := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/checkpoint", strings.NewReader(`{"owner":"acct-1","resource":"instagram","instance_id":"inst-1"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, check)
	if w.Code != http.StatusOK {
		t.Fatalf("checkpoint: %d body=%s", w.Code, w.Body.String())
	}

	var verdict CheckpointResponse
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !verdict.Blocked {
		t.Fatal("checkpoint should block behind the fresh lease")
	}
	if !strings.HasPrefix(verdict.RedirectTarget, "/processing?") {
		t.Errorf("redirect target = %q", verdict.RedirectTarget)
	}
	if verdict.RemainingMinutes != 10 {
		t.Errorf("remaining minutes = %d, want 10", verdict.RemainingMinutes)
	}
}

func TestListLeases(t *testing.T) {
	mux, _ := newTestMux()

	create := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(`{"owner":"acct-1","resource":"twitter","duration_seconds":300}`))
	create.Header.Set(idempotencyHeader, "k1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create lease: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/1.0/gate/leases?owner=acct-1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"twitter"`) {
		t.Errorf("expected twitter lease in response, got %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/1.0/gate/leases", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing owner: expected 400, got %d", w.Code)
	}
}

func TestOverrideLifecycle(t *testing.T) {
	mux, _ := newTestMux()

	create := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(`{"owner":"acct-1","resource":"instagram","duration_seconds":600}`))
	create.Header.Set(idempotencyHeader, "k1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create lease: %d", w.Code)
	}

	grant := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/overrides", strings.NewReader(`{"action":"GRANT","owner":"acct-1","resource":"instagram","granted_by":"support","reason":"stuck"}`))
	grant.Header.Set(idempotencyHeader, "ov1")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, grant)
	if w.Code != http.StatusOK {
		t.Fatalf("grant: %d body=%s", w.Code, w.Body.String())
	}

	check := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/checkpoint", strings.NewReader(`{"owner":"acct-1","resource":"instagram","instance_id":"inst-1"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, check)
	var verdict CheckpointResponse
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if verdict.Blocked {
		t.Fatal("override must defeat the lease")
	}

	bad := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/overrides", strings.NewReader(`{"action":"TOGGLE","owner":"acct-1","resource":"instagram"}`))
	bad.Header.Set(idempotencyHeader, "ov2")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad action: expected 400, got %d", w.Code)
	}
}

func TestInstanceMountAndUnload(t *testing.T) {
	mux, _ := newTestMux()

	mount := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/instances", strings.NewReader(`{"action":"MOUNT","instance_id":"inst-1","owner":"acct-1","resource":"instagram"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, mount)
	if w.Code != http.StatusOK {
		t.Fatalf("mount: %d body=%s", w.Code, w.Body.String())
	}

	unload := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/instances/unload", strings.NewReader(`{"instance_id":"inst-1"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, unload)
	if w.Code != http.StatusOK {
		t.Fatalf("unload advisory: %d body=%s", w.Code, w.Body.String())
	}
	var advisory UnloadAdvisoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &advisory); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if advisory.Warn {
		t.Error("nothing is leased, unload should not warn")
	}
}

func TestEventStreamDeliversOwnerEvents(t *testing.T) {
	h, _, notifier := newTestHandler()
	mux := http.NewServeMux()
	h.Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/1.0/gate/events?owner=acct-1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		// Give the handler time to subscribe before publishing.
		time.Sleep(50 * time.Millisecond)
		notifier.Publish(models.ChangeEvent{Kind: models.ChangeLeasePut, Owner: "acct-1", Resource: gatetypes.ResourceInstagram})
		notifier.Publish(models.ChangeEvent{Kind: models.ChangeLeasePut, Owner: "acct-2", Resource: gatetypes.ResourceTwitter})
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	mux.ServeHTTP(w, req)

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: LEASE_PUT") || !strings.Contains(body, `"acct-1"`) {
		t.Errorf("expected the owner's event in the stream, got %q", body)
	}
	if strings.Contains(body, "acct-2") {
		t.Errorf("other owners' events must be filtered out, got %q", body)
	}
}

func TestUnknownRouteAndResource(t *testing.T) {
	mux, _ := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/api/1.0/gate/nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route: expected 404, got %d", w.Code)
	}

	create := httptest.NewRequest(http.MethodPost, "/api/1.0/gate/leases", strings.NewReader(`{"owner":"acct-1","resource":"myspace","duration_seconds":600}`))
	create.Header.Set(idempotencyHeader, "k9")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, create)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unprotected resource: expected 400, got %d body=%s", w.Code, w.Body.String())
	}
}
