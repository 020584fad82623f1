package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"

	"github.com/debazaar/escrowd/internal/chain"
	"github.com/debazaar/escrowd/internal/config"
	"github.com/debazaar/escrowd/internal/market"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubEthClient implements chain.EthClient without a live RPC connection.
type stubEthClient struct{}

func (s *stubEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (s *stubEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes([]byte{1}, 32), nil
}

func (s *stubEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (s *stubEthClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (s *stubEthClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(421614), nil
}

func (s *stubEthClient) Close() {}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		Network:           config.DefaultNetwork,
		ScanInterval:      config.DefaultScanInterval,
		GraceWindow:       config.DefaultGraceWindow,
		RateLimitRPS:      config.DefaultRateLimit,
		FunctionsDonID:    config.DefaultFunctionsDonID,
		FunctionsGasLimit: config.DefaultFunctionsGasLimit,
	}
}

// newTestServer creates a server with a stubbed chain client and memory store
func newTestServer(t *testing.T) *Server {
	t.Helper()

	network, err := chain.GetNetwork("arbitrum_sepolia")
	if err != nil {
		t.Fatalf("resolve network: %v", err)
	}
	client, err := chain.NewClient(network, "", chain.WithEthClient(&stubEthClient{}))
	if err != nil {
		t.Fatalf("create chain client: %v", err)
	}

	s, err := New(testConfig(), WithChainClient(client), WithStore(market.NewMemoryStore()))
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/livez", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestTradeRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	tradeRoutes := map[string]bool{
		"POST:/v1/listings":                       false,
		"GET:/v1/listings":                        false,
		"GET:/v1/listings/:id":                    false,
		"POST:/v1/listings/:id/confirm":           false,
		"POST:/v1/listings/:id/finalize":          false,
		"POST:/v1/listings/:id/cancel":            false,
		"POST:/v1/listings/:id/purchase":          false,
		"POST:/v1/approvals":                      false,
		"GET:/v1/orders/:id":                      false,
		"POST:/v1/orders/:id/confirm-payment":     false,
		"POST:/v1/orders/:id/deliver":             false,
		"POST:/v1/orders/:id/accept":              false,
		"POST:/v1/orders/:id/dispute":             false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := tradeRoutes[key]; ok {
			tradeRoutes[key] = true
		}
	}

	for route, found := range tradeRoutes {
		if !found {
			t.Errorf("trade route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/healthz",
		"GET:/livez",
		"GET:/readyz",
		"GET:/metrics",
		"GET:/v1/networks",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Networks endpoint test
// ---------------------------------------------------------------------------

func TestNetworksEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/networks", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Active   string                     `json:"active"`
		Count    int                        `json:"count"`
		Networks map[string]json.RawMessage `json:"networks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Active != "arbitrum_sepolia" {
		t.Errorf("active network = %q, want arbitrum_sepolia", resp.Active)
	}
	if _, ok := resp.Networks["arbitrum_sepolia"]; !ok {
		t.Error("expected arbitrum_sepolia in networks map")
	}
}

// ---------------------------------------------------------------------------
// Request ID and 404 tests
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/livez", nil)
	s.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header on response")
	}

	// A caller-supplied ID is echoed back
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/livez", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "trace-me-123" {
		t.Errorf("X-Request-ID = %q, want trace-me-123", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Shutdown test
// ---------------------------------------------------------------------------

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)

	// Shutdown before Run should not panic or error
	if err := s.Shutdown(); err != nil {
		t.Errorf("shutdown error: %v", err)
	}

	if s.ready.Load() {
		t.Error("server should not be ready after shutdown")
	}
}
