package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Swap/internal/config"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/quote"
)

func httpRequest() quote.Request {
	return quote.Request{
		NetworkID:  "ethereum",
		SellAsset:  testUSDC,
		BuyAsset:   testWETH,
		SellAmount: eth(2),
		Slippage:   decimal.RequireFromString("0.005"),
		Recipient:  common.HexToAddress("0x00000000000000000000000000000000000000cc"),
	}
}

func TestHTTPAdapterNormalizesQuote(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("chainId"))
		assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))
		assert.Equal(t, testUSDC.Hex(), r.URL.Query().Get("sellToken"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"buyAmount": "2000000000000000000000",
			"priceImpactBps": 12,
			"feeBps": 5,
			"estimatedGas": 180000,
			"route": [{"protocol": "uniswap_v3", "percent": 100}],
			"expiresAt": 1700000010,
			"tx": {"to": "0x1111111254EEB25477B68fb85Ed929f73A960582", "data": "0xdeadbeef", "value": "0"}
		}`))
	}))
	defer srv.Close()

	adapter, err := NewHTTPAdapter(HTTPConfig{
		Name:     "oneinch",
		BaseURL:  srv.URL,
		APIKey:   "secret",
		Networks: []string{"ethereum"},
		QuoteTTL: time.Minute,
	}, nil)
	require.NoError(t, err)
	adapter.now = func() time.Time { return now }

	q, err := adapter.GetQuote(context.Background(), testNetwork(), httpRequest())
	require.NoError(t, err)
	assert.Equal(t, "oneinch", q.VenueID)
	assert.Equal(t, "2000000000000000000000", q.BuyAmount.String())
	assert.Equal(t, "1990000000000000000000", q.MinBuyAmount.String())
	assert.Equal(t, uint64(180000), q.GasEstimate)
	assert.Equal(t, time.Unix(1_700_000_010, 0), q.ValidUntil, "venue expiry is tighter than the ttl")
	require.NotNil(t, q.Transaction)
	assert.Equal(t, "oneinch", q.Transaction.Venue)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, q.Transaction.Data)
}

func TestHTTPAdapterErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		delay  time.Duration
		code   xerrors.Code
	}{
		{name: "no route", status: http.StatusNotFound, body: `{"reason":"no pool"}`, code: xerrors.CodeNoLiquidity},
		{name: "zero output", status: http.StatusOK, body: `{"buyAmount":"0"}`, code: xerrors.CodeNoLiquidity},
		{name: "server error", status: http.StatusBadGateway, code: xerrors.CodeTimeout},
		{name: "slow venue", status: http.StatusOK, body: `{"buyAmount":"1"}`, delay: 200 * time.Millisecond, code: xerrors.CodeTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.delay > 0 {
					select {
					case <-time.After(tc.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			adapter, err := NewHTTPAdapter(HTTPConfig{Name: "zeroex", BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = adapter.GetQuote(ctx, testNetwork(), httpRequest())
			assert.True(t, xerrors.HasCode(err, tc.code), "expected %s, got %v", tc.code, err)
		})
	}
}

func TestHTTPAdapterDoesNotRetryFailedVenue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter, err := NewHTTPAdapter(HTTPConfig{Name: "zeroex", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = adapter.GetQuote(context.Background(), testNetwork(), httpRequest())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout), "got %v", err)
	assert.Equal(t, int32(1), calls.Load(), "a failing venue is called once")
}

func TestHTTPAdapterUnsupportedNetwork(t *testing.T) {
	adapter, err := NewHTTPAdapter(HTTPConfig{Name: "zeroex", BaseURL: "http://127.0.0.1:1", Networks: []string{"base"}}, nil)
	require.NoError(t, err)
	assert.False(t, adapter.Supports("ethereum"))

	_, err = adapter.GetQuote(context.Background(), testNetwork(), httpRequest())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnsupported), "got %v", err)
}

func TestBuildAdapters(t *testing.T) {
	adapters, err := Build([]config.VenueConfig{
		{Name: "zeroex", Kind: "http", BaseURL: "https://api.example.org"},
		{Name: "uniswap-v2", Kind: "uniswap_v2", Routers: map[string]string{"ethereum": testRouter.Hex()}},
	}, staticCallers{}, nil)
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "zeroex", adapters[0].Venue())
	assert.Equal(t, "uniswap-v2", adapters[1].Venue())

	_, err = Build([]config.VenueConfig{{Name: "a", BaseURL: "https://x"}, {Name: "a", BaseURL: "https://y"}}, staticCallers{}, nil)
	assert.Error(t, err)

	_, err = Build([]config.VenueConfig{{Name: "a", Kind: "curve"}}, staticCallers{}, nil)
	assert.Error(t, err)
}
