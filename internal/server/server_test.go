package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paycore-io/paycore/internal/config"
	"github.com/paycore-io/paycore/internal/queue"
	"github.com/paycore-io/paycore/internal/retry"
	"github.com/paycore-io/paycore/internal/settlement"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing. The embedded queue lives
// in a temp dir and no shared backend is configured.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		QueueBackend:      "sqlite",
		QueueDBPath:       filepath.Join(t.TempDir(), "queue.db"),
		QueuePoolSize:     2,
		WorkerCount:       1,
		BatchSize:         5,
		PollInterval:      10 * time.Millisecond,
		MaxRetries:        3,
		ClaimTimeout:      time.Minute,
		MinCreditUSD:      "1.00",
		ToleranceUSD:      "5.00",
		SevereUnderpayUSD: "20.00",
		RateTTL:           time.Minute,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = s.queueBackend.Close() })
	return s
}

// settle pushes one confirmed deposit through the queue handler, the same
// path a consumer worker takes.
func settle(t *testing.T, s *Server, userID, txID, amountUSD string) {
	t.Helper()
	req := settlement.Request{
		Provider:     "test",
		ExternalTxID: txID,
		UserID:       userID,
		AmountNative: amountUSD,
		Currency:     "USD",
		AmountUSD:    amountUSD,
		Confirmed:    true,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	ev := queue.NewEvent("test", "settle", payload, "", queue.PriorityNormal, 3)
	if err := s.handleQueueEvent(context.Background(), ev); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"POST:/v1/events",
		"GET:/v1/balances/:userId",
		"GET:/v1/balances/:userId/history",
		"POST:/v1/holds",
		"POST:/v1/holds/release",
		"POST:/v1/escrows",
		"POST:/v1/escrows/:id/fund",
		"POST:/v1/escrows/:id/resolve",
		"GET:/v1/users/:userId/escrows",
		"POST:/v1/cashouts",
		"POST:/v1/cashouts/:id/complete",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestStripeRouteOnlyWithSecret(t *testing.T) {
	s := newTestServer(t)
	for _, route := range s.router.Routes() {
		if route.Path == "/v1/providers/stripe/webhook" {
			t.Fatal("stripe route must not exist without a webhook secret")
		}
	}

	cfg := testConfig(t)
	cfg.StripeWebhookSecret = "whsec_test"
	withStripe, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer withStripe.queueBackend.Close()

	found := false
	for _, route := range withStripe.router.Routes() {
		if route.Path == "/v1/providers/stripe/webhook" {
			found = true
		}
	}
	if !found {
		t.Error("stripe route missing despite configured secret")
	}
}

// ---------------------------------------------------------------------------
// Event ingestion
// ---------------------------------------------------------------------------

func TestIngestEvent(t *testing.T) {
	s := newTestServer(t)

	body := `{"provider":"test","payload":{"provider":"test","externalTxId":"tx1","userId":"user1","amountUsd":"25.00","currency":"USD","confirmed":true}}`
	w := doJSON(s, "POST", "/v1/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id, _ := resp["eventId"].(string)
	if !strings.HasPrefix(id, "evt_") {
		t.Errorf("eventId = %q, want evt_ prefix", id)
	}

	// The event must be durably queued and claimable.
	events, err := s.queueBackend.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("dequeued %d events, want 1", len(events))
	}
	if events[0].ID != id {
		t.Errorf("dequeued %s, want %s", events[0].ID, id)
	}
}

func TestIngestEvent_InvalidBody(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/events", `{"endpoint":"settle"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleQueueEvent_SettlesDeposit(t *testing.T) {
	s := newTestServer(t)

	settle(t, s, "user1", "tx1", "50.00")

	w := doJSON(s, "GET", "/v1/balances/user1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != "50.000000" {
		t.Errorf("available = %s, want 50.000000", resp["available"])
	}
}

func TestHandleQueueEvent_MalformedPayloadIsPermanent(t *testing.T) {
	s := newTestServer(t)

	ev := queue.NewEvent("test", "settle", []byte("{not json"), "", queue.PriorityNormal, 3)
	err := s.handleQueueEvent(context.Background(), ev)
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !retry.IsPermanent(err) {
		t.Error("malformed payloads must not be retried")
	}
}

func TestHandleQueueEvent_FundsEscrow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/escrows", `{"buyerId":"buyer1","sellerId":"seller1","expectedUsd":"100.00"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var esc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &esc); err != nil {
		t.Fatal(err)
	}
	escID, _ := esc["id"].(string)

	payload, _ := json.Marshal(map[string]string{"escrowId": escID, "receivedUsd": "100.00"})
	ev := queue.NewEvent("stripe", "escrow_fund", payload, "", queue.PriorityHigh, 3)
	if err := s.handleQueueEvent(context.Background(), ev); err != nil {
		t.Fatalf("escrow funding failed: %v", err)
	}

	w = doJSON(s, "GET", "/v1/escrows/"+escID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &esc); err != nil {
		t.Fatal(err)
	}
	if esc["status"] != "funded" {
		t.Errorf("status = %v, want funded", esc["status"])
	}
}

// ---------------------------------------------------------------------------
// Balances and holds
// ---------------------------------------------------------------------------

func TestGetBalance_UnknownUser(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/balances/nobody", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != "0.000000" || resp["frozen"] != "0.000000" {
		t.Errorf("unknown user balance = %s/%s, want zeros", resp["available"], resp["frozen"])
	}
}

func TestCreateAndReleaseHold(t *testing.T) {
	s := newTestServer(t)
	settle(t, s, "user1", "tx1", "80.00")

	body := `{"userId":"user1","amountUsd":"30.00","holdType":"manual","referenceId":"ref1"}`
	w := doJSON(s, "POST", "/v1/holds", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/balances/user1", "")
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != "50.000000" || resp["frozen"] != "30.000000" {
		t.Errorf("after hold: %s/%s, want 50/30", resp["available"], resp["frozen"])
	}

	w = doJSON(s, "POST", "/v1/holds/release", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/balances/user1", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != "80.000000" || resp["frozen"] != "0.000000" {
		t.Errorf("after release: %s/%s, want 80/0", resp["available"], resp["frozen"])
	}
}

func TestCreateHold_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	settle(t, s, "user1", "tx1", "10.00")

	body := `{"userId":"user1","amountUsd":"30.00","holdType":"manual","referenceId":"ref1"}`
	w := doJSON(s, "POST", "/v1/holds", body)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Cashouts
// ---------------------------------------------------------------------------

func TestCashoutLifecycle(t *testing.T) {
	s := newTestServer(t)
	settle(t, s, "user1", "tx1", "100.00")

	w := doJSON(s, "POST", "/v1/cashouts", `{"userId":"user1","amountUsd":"40.00","destination":"bank:123"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var co map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &co); err != nil {
		t.Fatal(err)
	}
	coID, _ := co["id"].(string)

	w = doJSON(s, "POST", "/v1/cashouts/"+coID+"/complete", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 completing cashout, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/balances/user1", "")
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != "60.000000" || resp["frozen"] != "0.000000" {
		t.Errorf("after cashout: %s/%s, want 60/0", resp["available"], resp["frozen"])
	}
}

func TestCashout_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/cashouts", `{"userId":"poor","amountUsd":"40.00","destination":"bank:123"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}
