package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairwork/escrowd/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config: in-memory stores, simulated payment
// backends, tracing disabled.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		GinMode:           "test",
		LogLevel:          "error",
		PaymentMethod:     "custodial",
		SettlementTimeout: 5 * time.Second,
		PanelSize:         3,
		VotingWindow:      time.Hour,
		DefaultArbitrator: "admin_1",
		AnalysisTimeout:   time.Second,
		RetryAttempts:     1,
		RetryBaseDelay:    time.Millisecond,
		BreakerThreshold:  5,
		BreakerCooldown:   time.Minute,
		ServiceName:       "escrowd-test",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	if w := do(t, s, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"POST:/v1/contracts",
		"GET:/v1/contracts/:id",
		"POST:/v1/contracts/:id/deposit",
		"POST:/v1/contracts/:id/milestones/:milestoneId/submit",
		"POST:/v1/contracts/:id/milestones/:milestoneId/approve",
		"POST:/v1/contracts/:id/milestones/:milestoneId/dispute",
		"POST:/v1/contracts/:id/cancel",
		"POST:/v1/contracts/:id/reconcile",
		"GET:/v1/disputes/:id",
		"POST:/v1/disputes/:id/votes",
		"POST:/v1/disputes/:id/resolve",
		"GET:/v1/balances/:identity",
		"POST:/v1/subscriptions",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("route %s not registered", e)
		}
	}
}

// Full lifecycle over HTTP: create, fund, submit, approve, dispute, vote,
// resolve. Amounts cross the API as decimal strings.
func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/v1/contracts", `{
		"clientId": "alice",
		"freelancerId": "bob",
		"paymentMethod": "CUSTODIAL_ESCROW",
		"totalAmount": "1000.00",
		"milestones": [
			{"amount": "400.00", "description": "design"},
			{"amount": "600.00", "description": "build"}
		]
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	contractID := resp["contract"].(map[string]any)["id"].(string)
	milestones := resp["milestones"].([]any)
	ms1 := milestones[0].(map[string]any)["id"].(string)
	ms2 := milestones[1].(map[string]any)["id"].(string)

	if w := do(t, s, "POST", "/v1/contracts/"+contractID+"/deposit",
		`{"callerId": "alice", "amount": "1000.00"}`); w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+ms1+"/submit",
		`{"callerId": "bob"}`); w.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+ms1+"/approve",
		`{"callerId": "alice"}`); w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Wrong party approving is a 403 with a structured code.
	do(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+ms2+"/submit", `{"callerId": "bob"}`)
	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+ms2+"/approve", `{"callerId": "bob"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("freelancer approve: expected 403, got %d", w.Code)
	}
	if decode(t, w)["error"] != "role_conflict" {
		t.Errorf("expected role_conflict error code")
	}

	w = do(t, s, "POST", "/v1/contracts/"+contractID+"/milestones/"+ms2+"/dispute",
		`{"callerId": "alice", "reason": "not as specified", "evidence": ["ref://brief"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("dispute: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	disputeID := decode(t, w)["disputeId"].(string)

	if w := do(t, s, "POST", "/v1/disputes/"+disputeID+"/analyze", ""); w.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, "POST", "/v1/disputes/"+disputeID+"/panel",
		`{"experts": ["exp1", "exp2", "exp3"]}`); w.Code != http.StatusOK {
		t.Fatalf("panel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	for _, expert := range []string{"exp1", "exp2", "exp3"} {
		if w := do(t, s, "POST", "/v1/disputes/"+disputeID+"/votes",
			`{"expertId": "`+expert+`", "outcome": "PARTIAL", "sharePct": 70, "reasoning": "work mostly done"}`); w.Code != http.StatusOK {
			t.Fatalf("vote %s: expected 200, got %d: %s", expert, w.Code, w.Body.String())
		}
	}

	w = do(t, s, "POST", "/v1/disputes/"+disputeID+"/resolve",
		`{"arbitratorId": "admin_1", "outcome": "PARTIAL", "freelancerSharePct": 70, "reasoning": "panel lean confirmed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "GET", "/v1/contracts/"+contractID, "")
	final := decode(t, w)["contract"].(map[string]any)
	if final["state"] != "COMPLETED" {
		t.Errorf("expected COMPLETED contract, got %v", final["state"])
	}

	// 400.00 released on approval plus 70% of 600.00 from the verdict.
	w = do(t, s, "GET", "/v1/balances/bob", "")
	if got := decode(t, w)["available"]; got != "820.00" {
		t.Errorf("expected bob available 820.00, got %v", got)
	}
	w = do(t, s, "GET", "/v1/balances/alice", "")
	if got := decode(t, w)["available"]; got != "180.00" {
		t.Errorf("expected alice refund 180.00, got %v", got)
	}
}

func TestMalformedAmountRejected(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/v1/contracts", `{
		"clientId": "alice",
		"freelancerId": "bob",
		"paymentMethod": "CUSTODIAL_ESCROW",
		"totalAmount": "not-a-number",
		"milestones": [{"amount": "1.00"}]
	}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed amount, got %d", w.Code)
	}
}

func TestUnknownContractIs404(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/contracts/ct_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req_fixed" {
		t.Errorf("expected request ID echoed back, got %q", got)
	}
}
