package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Swap/internal/aggregator"
	"OpenMCP-Swap/internal/chain"
	"OpenMCP-Swap/internal/comparator"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/executor"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/internal/session"
	"OpenMCP-Swap/internal/storage/mysql"
)

const testDefinitions = `
networks:
  ethereum:
    chain_id: 1
    rpc_url: https://secret-rpc.example.org/key
    native_symbol: ETH
    tokens:
      USDC: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  polygon:
    chain_id: 137
    native_symbol: POL
    tokens:
      USDC: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
`

const (
	validToken   = "good-token"
	expiredToken = "expired-token"
)

var usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

type fakeQuotes struct {
	last quote.Request
	err  error
}

func (f *fakeQuotes) GetBestQuote(_ context.Context, req quote.Request) (*aggregator.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	q := &quote.Quote{
		VenueID:    "uniswap-v2",
		NetworkID:  req.NetworkID,
		SellAsset:  req.SellAsset,
		BuyAsset:   req.BuyAsset,
		SellAmount: req.SellAmount,
		BuyAmount:  big.NewInt(2000),
		ValidUntil: time.Now().Add(time.Minute),
	}
	return &aggregator.Result{
		BestQuote:        q,
		AllQuotes:        []*quote.Quote{q},
		Savings:          aggregator.Savings{Absolute: big.NewInt(0)},
		RecommendedVenue: q.VenueID,
	}, nil
}

type fakeComparator struct{}

func (fakeComparator) CompareAcrossNetworks(_ context.Context, sell, buy string, amount *big.Int) ([]comparator.NetworkQuote, error) {
	if sell == buy {
		return nil, xerrors.New(xerrors.CodeNoQuotesAvailable, "no network produced a quote")
	}
	return []comparator.NetworkQuote{{NetworkID: "polygon"}, {NetworkID: "ethereum"}}, nil
}

type fakeSessions struct {
	revoked bool
}

func (f *fakeSessions) CreateSession(_ context.Context, userID string, networkIDs []string) (*session.Session, error) {
	if len(networkIDs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one network is required")
	}
	return &session.Session{SessionID: "s-1", UserID: userID, NetworkIDs: networkIDs, BearerToken: validToken}, nil
}

func (f *fakeSessions) ResolveSession(_ context.Context, token string) (*session.Session, bool) {
	if token != validToken || f.revoked {
		return nil, false
	}
	return &session.Session{SessionID: "s-1", UserID: "alice", Address: common.HexToAddress("0x01"), NetworkIDs: []string{"ethereum"}}, true
}

func (f *fakeSessions) RevokeSession(_ context.Context, token string) bool {
	if (token != validToken && token != expiredToken) || f.revoked {
		return false
	}
	f.revoked = true
	return true
}

func (f *fakeSessions) ExportKey(_ context.Context, token, code string) (string, error) {
	if code != "let-me-out" {
		return "", xerrors.New(xerrors.CodeUnauthorized, "export not authorized")
	}
	return "0xabc", nil
}

type fakeExecutor struct {
	last executor.Request
	err  error
}

func (f *fakeExecutor) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &executor.Result{ExecutionID: "exec-1", TxReference: "0xfeed", ConfirmedBlock: 12, ActualGasUsed: 90000}, nil
}

type harness struct {
	server   *Server
	quotes   *fakeQuotes
	sessions *fakeSessions
	exec     *fakeExecutor
	history  *mysql.MemoryExecutionRepository
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	defs, err := chain.ParseDefinitions([]byte(testDefinitions))
	require.NoError(t, err)
	registry, err := chain.NewRegistry(defs)
	require.NoError(t, err)

	h := &harness{
		quotes:   &fakeQuotes{},
		sessions: &fakeSessions{},
		exec:     &fakeExecutor{},
		history:  mysql.NewMemoryExecutionRepository(10),
	}
	h.server = NewServer(cfg, Dependencies{
		Networks:   registry,
		Quotes:     h.quotes,
		Comparator: fakeComparator{},
		Sessions:   h.sessions,
		Executor:   h.exec,
		History:    h.history,
	})
	return h
}

func (h *harness) call(t *testing.T, name, token string, params any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var body bytes.Buffer
	if params != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(params))
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/"+name, &body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestListNetworksHidesRPC(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "list_networks", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotContains(t, rec.Body.String(), "secret-rpc")
	assert.Contains(t, rec.Body.String(), `"networkId":"ethereum"`)
	assert.Contains(t, rec.Body.String(), `"nativeUnitSymbol":"POL"`)
}

func TestGetQuoteResolvesAssets(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "get_quote", "", map[string]string{
		"networkId":  "Ethereum",
		"sellAsset":  "eth",
		"buyAsset":   "USDC",
		"sellAmount": "1000000000000000000",
		"slippage":   "0.01",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)
	assert.Equal(t, "ethereum", h.quotes.last.NetworkID)
	assert.Equal(t, chain.NativeAssetAddress, h.quotes.last.SellAsset)
	assert.Equal(t, usdc, h.quotes.last.BuyAsset)
	assert.Equal(t, "0.01", h.quotes.last.Slippage.String())
	assert.Contains(t, rec.Body.String(), `"buyAmount":"2000"`)
}

func TestGetQuoteDefaultsSlippage(t *testing.T) {
	h := newHarness(t, Config{})
	rec, _ := h.call(t, "get_quote", "", map[string]string{
		"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "5",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, comparator.DefaultSlippage, h.quotes.last.Slippage.String())
}

func TestGetQuoteErrors(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]string
		status int
		code   xerrors.Code
	}{
		{"unknown network", map[string]string{"networkId": "solana", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "1"}, http.StatusBadRequest, xerrors.CodeUnsupported},
		{"unknown asset", map[string]string{"networkId": "ethereum", "sellAsset": "DOGE", "buyAsset": "USDC", "sellAmount": "1"}, http.StatusBadRequest, xerrors.CodeUnsupported},
		{"bad amount", map[string]string{"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "1.5"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"slippage too high", map[string]string{"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "1", "slippage": "0.2"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown field", map[string]string{"networkId": "ethereum", "chain": "x"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			rec, env := h.call(t, "get_quote", "", tc.params)
			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, env.Success)
			assert.Equal(t, string(tc.code), env.Code)
		})
	}
}

func TestNoQuotesMapsToBadGateway(t *testing.T) {
	h := newHarness(t, Config{})
	h.quotes.err = xerrors.New(xerrors.CodeNoQuotesAvailable, "no venue produced a quote")
	rec, env := h.call(t, "get_quote", "", map[string]string{
		"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "1",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(xerrors.CodeNoQuotesAvailable), env.Code)
}

func TestCompareNetworks(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "compare_networks", "", map[string]string{"sellSymbol": "ETH", "buySymbol": "USDC", "sellAmount": "10"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, env = h.call(t, "compare_networks", "", map[string]string{"sellSymbol": "ETH", "buySymbol": "ETH", "sellAmount": "10"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(xerrors.CodeNoQuotesAvailable), env.Code)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "create_session", "", map[string]any{"userId": "alice", "networkIds": []string{"ethereum"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), validToken)
	assert.True(t, env.Success)

	rec, _ = h.call(t, "revoke_session", validToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":true`)

	rec, _ = h.call(t, "revoke_session", validToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":false`)

	rec, _ = h.call(t, "execute_swap", validToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeSessionAcceptsExpiredToken(t *testing.T) {
	h := newHarness(t, Config{})
	rec, _ := h.call(t, "export_key", expiredToken, map[string]string{"exportCode": "let-me-out"})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "expired tokens cannot act")

	rec, _ = h.call(t, "revoke_session", expiredToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":true`)

	rec, _ = h.call(t, "revoke_session", "forged", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":false`)

	rec, env := h.call(t, "revoke_session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(xerrors.CodeUnauthorized), env.Code)
}

func TestProtectedToolsRequireBearer(t *testing.T) {
	h := newHarness(t, Config{})
	for _, name := range []string{"execute_swap", "export_key", "list_executions"} {
		rec, env := h.call(t, name, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Equal(t, string(xerrors.CodeUnauthorized), env.Code, name)

		rec, _ = h.call(t, name, "forged", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
	assert.Equal(t, executor.Request{}, h.exec.last)
}

func TestExecuteSwapPassesToken(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "execute_swap", validToken, map[string]string{
		"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)
	assert.Equal(t, validToken, h.exec.last.Token)
	assert.Equal(t, usdc, h.exec.last.BuyAsset)
	assert.Contains(t, rec.Body.String(), `"txReference":"0xfeed"`)
}

func TestExecuteSwapPendingCarriesTxHash(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.err = xerrors.New(xerrors.CodePendingUnknown, "confirmation budget exhausted",
		xerrors.WithMetadata("tx_hash", "0xbeef"))
	rec, env := h.call(t, "execute_swap", validToken, map[string]string{
		"networkId": "ethereum", "sellAsset": "ETH", "buyAsset": "USDC", "sellAmount": "100",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, string(xerrors.CodePendingUnknown), env.Code)
	assert.Contains(t, rec.Body.String(), "0xbeef")
}

func TestExportKeyRequiresCode(t *testing.T) {
	h := newHarness(t, Config{})
	rec, _ := h.call(t, "export_key", validToken, map[string]string{"exportCode": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := h.call(t, "export_key", validToken, map[string]string{"exportCode": "let-me-out"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Contains(t, rec.Body.String(), "0xabc")
}

func TestListExecutionsScopedToUser(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.history.Save(ctx, mysql.ExecutionRecord{ID: "e1", UserID: "alice", Status: mysql.StatusConfirmed}))
	require.NoError(t, h.history.Save(ctx, mysql.ExecutionRecord{ID: "e2", UserID: "bob", Status: mysql.StatusFailed}))

	rec, _ := h.call(t, "list_executions", validToken, map[string]int{"limit": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"e1"`)
	assert.NotContains(t, rec.Body.String(), `"e2"`)
}

func TestUnknownToolAndMissingDependency(t *testing.T) {
	h := newHarness(t, Config{})
	rec, env := h.call(t, "mint_tokens", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(xerrors.CodeNotFound), env.Code)

	rec, env = h.call(t, "network_status", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(xerrors.CodeInitFailure), env.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimitPerSec: 0.001, RateLimitBurst: 1})
	rec, _ := h.call(t, "list_networks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := h.call(t, "list_networks", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(CodeRateLimited), env.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestListToolsAndHealth(t *testing.T) {
	h := newHarness(t, Config{})
	for _, path := range []string{"/api/v1/tools", "/healthz"} {
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil))
	assert.Contains(t, rec.Body.String(), "execute_swap")
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
