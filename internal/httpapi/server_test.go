package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

type testEnv struct {
	srv   *Server
	store *state.Store
	gate  *approval.Gate
	sess  *types.Session
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := state.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	emitter := events.NewEmitter(events.NewSequencer(store), nil, nil)
	gate := approval.NewGate(store, store, emitter, approval.Options{Timeout: time.Minute})

	sess, err := store.Create(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	auth := NewTokenAuth(map[string]string{"alice-token": "alice", "bob-token": "bob"})
	return &testEnv{
		srv:   NewServer(auth, store, store, gate, nil),
		store: store,
		gate:  gate,
		sess:  sess,
	}
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := setupServer(t)
	w := env.do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := setupServer(t)
	for _, path := range []string{"/api/sessions", "/api/sessions/x/events", "/api/approvals/x"} {
		if w := env.do(http.MethodGet, path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
		if w := env.do(http.MethodGet, path, "wrong", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: expected 401, got %d", path, w.Code)
		}
	}
}

func TestTokenFromQuery(t *testing.T) {
	auth := NewTokenAuth(map[string]string{"tok": "alice"})
	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok", nil)
	p, ok := auth.Authenticate(req)
	if !ok || p != "alice" {
		t.Errorf("expected alice, got %q %v", p, ok)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodPost, "/api/sessions", "bob-token", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created types.Session
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Owner != "bob" {
		t.Errorf("expected owner bob, got %q", created.Owner)
	}

	w = env.do(http.MethodGet, "/api/sessions", "bob-token", "")
	var list []types.Session
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("bob should see only his session, got %+v", list)
	}
}

func TestSessionEventsReplay(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		seq := i
		err := env.store.AppendEvent(ctx, &types.Event{
			ID:          types.NewEventID(),
			Type:        events.TypeMessage,
			SessionID:   env.sess.ID,
			At:          time.Now(),
			Persistence: types.Persisted,
			Seq:         &seq,
			Payload:     json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	path := "/api/sessions/" + string(env.sess.ID) + "/events?after=1"
	w := env.do(http.MethodGet, path, "alice-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []types.Event
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || *got[0].Seq != 2 || *got[1].Seq != 3 {
		t.Errorf("expected seq 2 and 3, got %+v", got)
	}

	if w := env.do(http.MethodGet, path, "bob-token", ""); w.Code != http.StatusNotFound {
		t.Errorf("other principal: expected 404, got %d", w.Code)
	}
	bad := "/api/sessions/" + string(env.sess.ID) + "/events?after=-4"
	if w := env.do(http.MethodGet, bad, "alice-token", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative after: expected 400, got %d", w.Code)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	pending, err := env.gate.Request(ctx, env.sess.ID, types.NewTurnID(), "call-1", "bash", json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/approvals/" + string(pending.Request.ID)

	if w := env.do(http.MethodGet, path, "alice-token", ""); w.Code != http.StatusOK {
		t.Fatalf("owner get: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, path, "bob-token", ""); w.Code != http.StatusForbidden {
		t.Errorf("other get: expected 403, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/approvals/missing", "alice-token", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, path, "alice-token", `{"decision":"maybe"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad decision: expected 400, got %d", w.Code)
	}

	w := env.do(http.MethodPost, path, "alice-token", `{"decision":"approved"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out, err := pending.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Approved {
		t.Error("expected approval")
	}

	w = env.do(http.MethodPost, path, "alice-token", `{"decision":"rejected"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["code"] != string(approval.CodeAlreadyResolved) {
		t.Errorf("expected ALREADY_RESOLVED, got %q", body["code"])
	}
}
