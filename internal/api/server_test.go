package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/monitor"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/snapshot"
	"strategyengine/internal/strategy"
	"strategyengine/internal/vault"
	"strategyengine/internal/worker"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"
	"strategyengine/pkg/exchange/mock"
)

func mockFactory(exchangeID string, testnet bool) (exchange.Gateway, error) {
	return mock.New(), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	v, err := vault.New(database, map[int][]byte{1: testServerVaultKey()}, bus)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	led := ledger.New(database)
	store := strategy.New(database, bus)
	pool := gatewaypool.New(mockFactory, gatewaypool.DefaultConfig())
	orc := orchestrator.New(pool, v, led, store, bus)
	wk := worker.New(store, led, pool, v, orc, time.Minute, 2)
	snap := snapshot.New(database, v, pool, bus, "0 0 1 1 *")
	metrics := monitor.NewSystemMetrics()

	server := NewServer(Config{
		Bus: bus, DB: database, Vault: v, Ledger: led, Store: store,
		Pool: pool, Orchestrator: orc, Worker: wk, Snapshot: snap,
		Metrics: metrics, JWTSecret: "test-secret",
		Meta: SystemMeta{DryRun: true, Version: "test"},
	})

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() {
		httpServer.Close()
		wk.Stop()
		snap.Stop()
		_ = database.Close()
	}
	return httpServer, server, cleanup
}

func testServerVaultKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, client *http.Client, method, url, token string, payload any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, env
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	status, _ := doRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	})
	if status != http.StatusCreated {
		t.Fatalf("register status=%d", status)
	}

	status, env := doRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	})
	if status != http.StatusOK {
		t.Fatalf("login status=%d", status)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal login data: %v", err)
	}
	if data.Token == "" {
		t.Fatalf("login returned empty token")
	}
	return data.Token
}

func TestHealthCheck(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRegisterLoginAndProtectedRouteRejectsMissingToken(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	client := ts.Client()
	registerAndLogin(t, client, ts.URL)

	status, _ := doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/strategies", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
}

func TestCreateListAndCheckStrategy(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	status, env := doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/strategies", token, map[string]any{
		"exchange_id": "mock",
		"token":       "BTCUSDT",
		"is_active":   true,
		"template":    "simple",
	})
	if status != http.StatusCreated {
		t.Fatalf("create strategy status=%d body=%s", status, string(env.Data))
	}
	var created struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("unmarshal created strategy: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("created strategy has no id")
	}

	status, _ = doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/strategies", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list strategies status=%d", status)
	}

	status, _ = doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/strategies/"+created.ID+"/check", token, map[string]any{
		"current_price": 100.0,
		"entry_price":   90.0,
	})
	if status != http.StatusOK {
		t.Fatalf("check strategy status=%d", status)
	}

	status, _ = doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/strategies", token, map[string]any{
		"exchange_id": "mock",
		"token":       "BTCUSDT",
		"is_active":   true,
		"template":    "simple",
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate strategy, got %d", status)
	}
}

func TestExchangeLinkAndManualOrder(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	status, env := doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/exchanges/link", token, map[string]any{
		"exchange_id":   "mock",
		"exchange_type": "mock",
		"api_key":       "key",
		"api_secret":    "secret",
	})
	if status != http.StatusCreated {
		t.Fatalf("link exchange status=%d body=%s", status, string(env.Data))
	}

	status, _ = doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/orders/buy", token, map[string]any{
		"exchange_id": "mock",
		"token":       "BTCUSDT",
		"quantity":    0.01,
	})
	if status != http.StatusOK {
		t.Fatalf("manual buy status=%d", status)
	}

	status, _ = doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/positions", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list positions status=%d", status)
	}
}

func TestJobsStatusAndTrigger(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	status, env := doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/jobs/status", token, nil)
	if status != http.StatusOK {
		t.Fatalf("jobs status=%d", status)
	}
	var jobs struct {
		StrategyWorker struct {
			Running bool `json:"running"`
		} `json:"strategy_worker"`
	}
	if err := json.Unmarshal(env.Data, &jobs); err != nil {
		t.Fatalf("unmarshal jobs status: %v", err)
	}
	if jobs.StrategyWorker.Running {
		t.Fatalf("expected worker not running before start")
	}

	status, _ = doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/jobs/control", token, map[string]any{
		"job":    "strategy_worker",
		"action": "start",
	})
	if status != http.StatusOK {
		t.Fatalf("jobs control start status=%d", status)
	}

	status, _ = doRequest(t, client, http.MethodPost, ts.URL+"/api/v1/jobs/trigger/balance_snapshot", token, nil)
	if status != http.StatusOK {
		t.Fatalf("jobs trigger status=%d", status)
	}
}

func TestNotificationsAndBalanceHistoryEndpointsRespondEmpty(t *testing.T) {
	ts, _, cleanup := newTestServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	status, _ := doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/notifications", token, nil)
	if status != http.StatusOK {
		t.Fatalf("notifications status=%d", status)
	}

	status, _ = doRequest(t, client, http.MethodGet, ts.URL+"/api/v1/balance", token, nil)
	if status != http.StatusOK {
		t.Fatalf("balance status=%d", status)
	}
}
