package httpx

import (
	"bufio"
	"bytes"
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

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository/memory"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/dashboard"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/lifecycle"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/ws"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
)

type testEnv struct {
	store  *memory.Store
	hub    *ws.Hub
	router *Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	hub := ws.NewHub()
	cfg := config.APIConfig{
		JWTSecret:           "test-secret",
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     time.Hour,
		DefaultPointsPolicy: 5,
	}
	authSvc := auth.New(store, store, store, auth.NewMemoryRevoker(), logger, cfg)
	lifecycleSvc := lifecycle.New(lifecycle.Stores{
		Containers:   store,
		Profiles:     store,
		Companies:    store,
		Transactions: store,
		Rewards:      store,
	}, ws.NewLocalPublisher(hub), nil, logger)
	dashboardSvc := dashboard.New(store, store, logger)
	router := NewRouter(logger, authSvc, lifecycleSvc, dashboardSvc, hub, NewMemoryRateLimiter(), map[string]HealthCheck{"database": store.Ping}, time.Minute)
	t.Cleanup(func() {
		router.Close()
		hub.Close()
	})
	return &testEnv{store: store, hub: hub, router: router}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type signupResult struct {
	Session struct {
		Profile domain.Profile  `json:"profile"`
		Company *domain.Company `json:"company"`
	} `json:"session"`
	Tokens tokenResponse `json:"tokens"`
}

func (e *testEnv) signup(t *testing.T, email, name, role string) signupResult {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/signup", "", map[string]any{
		"email": email, "password": "demo1234", "name": name, "role": role,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	var out signupResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	return out
}

func (e *testEnv) provision(t *testing.T, c domain.Container) {
	t.Helper()
	if err := e.store.CreateContainer(context.Background(), &c); err != nil {
		t.Fatalf("provision %s: %v", c.ID, err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestConsigneThenDeconsigneOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	op := env.signup(t, "eco@demo.com", "EcoFood", domain.RoleEntreprise)
	alice := env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)
	companyID := op.Session.Company.ID
	env.provision(t, domain.Container{ID: "box001", OwnerCompanyID: companyID})

	rec := env.do(t, http.MethodPost, "/operations/consigne", op.Tokens.AccessToken, operationPayload{
		ClientID: alice.Session.Profile.ID, ContainerID: "box001",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("consigne: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/containers?client_id="+alice.Session.Profile.ID, op.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("held containers: status %d", rec.Code)
	}
	var held struct {
		Containers []domain.Container `json:"containers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &held); err != nil {
		t.Fatalf("decode held: %v", err)
	}
	if len(held.Containers) != 1 || held.Containers[0].ID != "box001" {
		t.Fatalf("unexpected held containers: %+v", held.Containers)
	}

	rec = env.do(t, http.MethodPost, "/operations/deconsigne", op.Tokens.AccessToken, operationPayload{
		ClientID: alice.Session.Profile.ID, ContainerID: "box001",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deconsigne: status %d body %s", rec.Code, rec.Body.String())
	}
	var result lifecycle.DeconsigneResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode deconsigne: %v", err)
	}
	if result.NutCoinsEarned != 5 || result.Container.Status != domain.ContainerAvailable {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec = env.do(t, http.MethodGet, "/dashboard", alice.Tokens.AccessToken, nil)
	var view dashboard.ClientView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if view.Stats.NutCoins != 5 || view.Stats.DeconsigneCount != 1 || view.Stats.TotalEarned != 5 {
		t.Fatalf("unexpected client stats: %+v", view.Stats)
	}

	rec = env.do(t, http.MethodGet, "/dashboard", op.Tokens.AccessToken, nil)
	var companyView dashboard.CompanyView
	if err := json.Unmarshal(rec.Body.Bytes(), &companyView); err != nil {
		t.Fatalf("decode company dashboard: %v", err)
	}
	if companyView.Stats.Total != 1 || companyView.Stats.Available != 1 {
		t.Fatalf("unexpected company stats: %+v", companyView.Stats)
	}
}

func TestLifecycleErrorsMapToStatuses(t *testing.T) {
	env := newTestEnv(t)
	eco := env.signup(t, "eco@demo.com", "EcoFood", domain.RoleEntreprise)
	bio := env.signup(t, "bio@demo.com", "BioMarket", domain.RoleEntreprise)
	alice := env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)
	bob := env.signup(t, "bob@demo.com", "Bob", domain.RoleClient)
	env.provision(t, domain.Container{ID: "eco-1", OwnerCompanyID: eco.Session.Company.ID})
	aliceID := alice.Session.Profile.ID
	env.provision(t, domain.Container{ID: "eco-2", OwnerCompanyID: eco.Session.Company.ID, Status: domain.ContainerInUse, HolderClientID: &aliceID})

	cases := []struct {
		name   string
		path   string
		token  string
		body   operationPayload
		status int
		kind   string
	}{
		{"missing container", "/operations/consigne", eco.Tokens.AccessToken, operationPayload{aliceID, "nope"}, http.StatusNotFound, "not_found"},
		{"wrong company", "/operations/consigne", bio.Tokens.AccessToken, operationPayload{aliceID, "eco-1"}, http.StatusForbidden, "ownership_mismatch"},
		{"operator as client", "/operations/consigne", eco.Tokens.AccessToken, operationPayload{bio.Session.Profile.ID, "eco-1"}, http.StatusForbidden, "not_a_client"},
		{"unknown client", "/operations/consigne", eco.Tokens.AccessToken, operationPayload{"ghost", "eco-1"}, http.StatusNotFound, "client_not_found"},
		{"already in use", "/operations/consigne", eco.Tokens.AccessToken, operationPayload{aliceID, "eco-2"}, http.StatusConflict, "invalid_state"},
		{"wrong holder", "/operations/deconsigne", eco.Tokens.AccessToken, operationPayload{bob.Session.Profile.ID, "eco-2"}, http.StatusForbidden, "holder_mismatch"},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, tc.path, tc.token, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if kind := decodeError(t, rec)["kind"]; kind != tc.kind {
			t.Fatalf("%s: expected kind %q, got %q", tc.name, tc.kind, kind)
		}
	}
}

func TestRoleAndAuthEnforcement(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)
	eco := env.signup(t, "eco@demo.com", "EcoFood", domain.RoleEntreprise)

	if rec := env.do(t, http.MethodGet, "/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/operations/consigne", alice.Tokens.AccessToken, operationPayload{}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected client to be forbidden from operations, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/me/qr", eco.Tokens.AccessToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected operator to be forbidden from client QR, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/me/qr", alice.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("qr: status %d", rec.Code)
	}
	if got := decodeError(t, rec)["payload"]; got != "NUT:CLIENT:"+alice.Session.Profile.ID {
		t.Fatalf("unexpected qr payload %q", got)
	}

	rec = env.do(t, http.MethodGet, "/profiles/"+alice.Session.Profile.ID, eco.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile lookup: status %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/auth/logout", alice.Tokens.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/me", alice.Tokens.AccessToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rec.Code)
	}
}

func TestSignupAndLoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)

	rec := env.do(t, http.MethodPost, "/auth/signup", "", map[string]any{
		"email": "alice@demo.com", "password": "demo1234", "name": "Alice",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict on duplicate email, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/auth/signup", "", map[string]any{
		"email": "carol@demo.com", "password": "123", "name": "Carol",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request on weak password, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email": "alice@demo.com", "password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized login, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/auth/login", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"database":{"status":"up"}`) {
		t.Fatalf("unexpected healthz body: %s", rec.Body.String())
	}
}

func TestChangesWebSocketReceivesOperations(t *testing.T) {
	env := newTestEnv(t)
	op := env.signup(t, "eco@demo.com", "EcoFood", domain.RoleEntreprise)
	alice := env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)
	env.provision(t, domain.Container{ID: "box001", OwnerCompanyID: op.Session.Company.ID})

	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/changes?access_token=" + alice.Tokens.AccessToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	topic := domain.ClientTopic(alice.Session.Profile.ID)
	deadline := time.Now().Add(time.Second)
	for env.hub.Subscribers(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := env.do(t, http.MethodPost, "/operations/consigne", op.Tokens.AccessToken, operationPayload{
		ClientID: alice.Session.Profile.ID, ContainerID: "box001",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("consigne: status %d", rec.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	event, err := ws.DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Table != domain.TableContainers || event.RecordID != "box001" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestChangesSSEStream(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup(t, "alice@demo.com", "Alice", domain.RoleClient)

	server := httptest.NewServer(env.router)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+alice.Tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	topic := domain.ClientTopic(alice.Session.Profile.ID)
	deadline := time.Now().Add(time.Second)
	for env.hub.Subscribers(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sse stream never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.hub.Broadcast(topic, []byte(`{"table":"transactions"}`))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "event: change\n" {
		t.Fatalf("unexpected first line %q", line)
	}
}

func TestRouteLabel(t *testing.T) {
	if got := routeLabel("/containers/box001"); got != "/containers/{id}" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := routeLabel("/containers"); got != "/containers" {
		t.Fatalf("unexpected label %q", got)
	}
}
