package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"karmaline/internal/config"
	"karmaline/internal/db"
	"karmaline/internal/domain"
	"karmaline/internal/engine"
	"karmaline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("root")
	e := engine.New(conn, cfg)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:          "test-secret",
			AllowAccountHeader: true,
			EnableDevLogin:     true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(account string) map[string]string {
	return map[string]string{"X-Account": account}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/system", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"account": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(data))
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil || out["token"] == "" {
		t.Fatalf("token missing: %s (%v)", string(data), err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/token/balances/alice", nil, map[string]string{
		"Authorization": "Bearer " + out["token"],
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance with jwt %d: %s", res.StatusCode, string(data))
	}
}

func TestTransferAndErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/transfers", map[string]any{
		"to": "alice", "amount": 1000,
	}, as("treasury"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("transfer %d: %s", res.StatusCode, string(data))
	}

	// overdraft is 422 insufficient_funds
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/transfers", map[string]any{
		"to": "bob", "amount": 5000,
	}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("overdraft status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_funds" {
		t.Fatalf("code = %q", code)
	}

	// unknown profile is 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/profiles/ghost", nil, as("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown profile status %d: %s", res.StatusCode, string(data))
	}

	// duplicate registration is 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{}, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{}, as("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_exists" {
		t.Fatalf("code = %q", code)
	}
}

func TestPauseReturns503(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles", map[string]any{
		"account": "ops", "role": domain.RoleAdmin,
	}, as("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/system/pause", nil, as("ops"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("pause %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/transfers", map[string]any{
		"to": "alice", "amount": 1,
	}, as("treasury"))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("paused transfer status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "system_paused" {
		t.Fatalf("code = %q", code)
	}
	// a non-admin cannot unpause
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/system/unpause", nil, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unpause status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden_role" {
		t.Fatalf("code = %q", code)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/system/unpause", nil, as("ops"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("unpause %d: %s", res.StatusCode, string(data))
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// root grants itself ADMIN to manage the skill catalog
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles", map[string]any{
		"account": "root", "role": domain.RoleAdmin,
	}, as("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/skills", map[string]any{
		"name": "go", "category": "engineering",
	}, as("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create skill %d: %s", res.StatusCode, string(data))
	}
	var skill domain.Skill
	if err := json.Unmarshal(data, &skill); err != nil {
		t.Fatalf("unmarshal skill: %v", err)
	}

	for _, account := range []string{"provider", "client"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/profiles", map[string]any{}, as(account))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s %d: %s", account, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/services", map[string]any{
		"title": "Backend work", "price_per_hour": 100, "skill_ids": []int64{skill.ID},
	}, as("provider"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create service %d: %s", res.StatusCode, string(data))
	}
	var svc domain.Service
	if err := json.Unmarshal(data, &svc); err != nil {
		t.Fatalf("unmarshal service: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/transfers", map[string]any{
		"to": "client", "amount": 2000,
	}, as("treasury"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("fund client %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/approvals", map[string]any{
		"spender": "escrow", "amount": 2000,
	}, as("client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"service_id": svc.ID, "num_hours": 10,
	}, as("client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order %d: %s", res.StatusCode, string(data))
	}
	var order domain.Order
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.TotalPrice != 1000 {
		t.Fatalf("total price = %d", order.TotalPrice)
	}

	// the client cannot accept its own order
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+itoa(order.ID)+"/accept", nil, as("client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client accept status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+itoa(order.ID)+"/accept", nil, as("provider"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+itoa(order.ID)+"/complete", nil, as("client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete %d: %s", res.StatusCode, string(data))
	}
	var completed domain.Order
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal completed: %v", err)
	}
	if completed.Status != domain.OrderCompleted {
		t.Fatalf("status = %s", completed.Status)
	}

	// 250 bps default platform fee on 1000
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/token/balances/provider", nil, as("provider"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance %d: %s", res.StatusCode, string(data))
	}
	var bal BalanceResponse
	if err := json.Unmarshal(data, &bal); err != nil {
		t.Fatalf("unmarshal balance: %v", err)
	}
	if bal.Amount != 975 {
		t.Fatalf("provider balance = %d, want 975", bal.Amount)
	}

	// completed is terminal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+itoa(order.ID)+"/cancel", nil, as("client"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel completed status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("code = %q", code)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/keys", map[string]any{
		"name": "ci",
	}, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("key missing: %s (%v)", string(data), err)
	}

	// the raw key authenticates as its owner
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/token/balances/alice", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("key auth %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/auth/keys/"+created.ID, nil, as("alice"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/token/balances/alice", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d: %s", res.StatusCode, string(data))
	}
}

func itoa(id int64) string {
	return fmt.Sprintf("%d", id)
}
