package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/quote"
)

// DefaultQuoteTTL applies when neither config nor venue bound the validity.
const DefaultQuoteTTL = 30 * time.Second

// HTTPConfig describes an aggregator style venue reachable over HTTP.
type HTTPConfig struct {
	Name            string
	BaseURL         string
	APIKey          string
	Networks        []string
	RateLimitPerSec float64
	QuoteTTL        time.Duration
}

// HTTPAdapter prices swaps against a REST quote endpoint.
type HTTPAdapter struct {
	name     string
	baseURL  string
	apiKey   string
	networks map[string]struct{}
	ttl      time.Duration
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewHTTPAdapter validates cfg and builds the adapter. Quote calls are sent
// exactly once; a failing venue is dropped by the aggregator.
func NewHTTPAdapter(cfg HTTPConfig, logger *slog.Logger) (*HTTPAdapter, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("venue name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("venue %s: invalid base url %q", name, cfg.BaseURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = noRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		client.Logger = logger.With("venue", name)
	} else {
		client.Logger = nil
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		burst := int(cfg.RateLimitPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}

	ttl := cfg.QuoteTTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}

	networks := make(map[string]struct{}, len(cfg.Networks))
	for _, id := range cfg.Networks {
		networks[strings.ToLower(strings.TrimSpace(id))] = struct{}{}
	}

	return &HTTPAdapter{
		name:     name,
		baseURL:  base,
		apiKey:   cfg.APIKey,
		networks: networks,
		ttl:      ttl,
		client:   client,
		limiter:  limiter,
		now:      time.Now,
	}, nil
}

func noRetry(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, err
}

// Venue returns the venue id.
func (a *HTTPAdapter) Venue() string { return a.name }

// Supports reports whether the venue serves networkID. An empty network list
// means every network.
func (a *HTTPAdapter) Supports(networkID string) bool {
	if len(a.networks) == 0 {
		return true
	}
	_, ok := a.networks[strings.ToLower(networkID)]
	return ok
}

type httpQuoteResponse struct {
	BuyAmount      string            `json:"buyAmount"`
	PriceImpactBps uint32            `json:"priceImpactBps"`
	FeeBps         uint32            `json:"feeBps"`
	EstimatedGas   json.Number       `json:"estimatedGas"`
	Route          []quote.RouteStep `json:"route"`
	ExpiresAt      int64             `json:"expiresAt"`
	Tx             *struct {
		To    common.Address `json:"to"`
		Data  hexutil.Bytes  `json:"data"`
		Value string         `json:"value"`
	} `json:"tx"`
}

type httpErrorResponse struct {
	Reason string `json:"reason"`
}

// GetQuote asks the venue for a price and normalizes the answer.
func (a *HTTPAdapter) GetQuote(ctx context.Context, network chain.Network, req quote.Request) (*quote.Quote, error) {
	if !a.Supports(network.ID) {
		return nil, quote.Unsupported(a.name, network.ID)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, quote.Timeout(a.name, err)
		}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.quoteURL(network, req), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build venue request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, quote.ClassifyTransport(a.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, quote.ClassifyTransport(a.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity:
		var payload httpErrorResponse
		_ = json.Unmarshal(body, &payload)
		reason := payload.Reason
		if reason == "" {
			reason = fmt.Sprintf("no route (status %d)", resp.StatusCode)
		}
		return nil, quote.NoLiquidity(a.name, reason)
	default:
		return nil, quote.Timeout(a.name, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload httpQuoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, fmt.Sprintf("venue %s returned a malformed quote", a.name))
	}
	buyAmount, ok := new(big.Int).SetString(payload.BuyAmount, 10)
	if !ok || buyAmount.Sign() <= 0 {
		return nil, quote.NoLiquidity(a.name, "venue returned no output amount")
	}

	now := a.now()
	validUntil := now.Add(a.ttl)
	if payload.ExpiresAt > 0 {
		if venueExpiry := time.Unix(payload.ExpiresAt, 0); venueExpiry.Before(validUntil) {
			validUntil = venueExpiry
		}
	}

	var gas uint64
	if payload.EstimatedGas != "" {
		gas, _ = strconv.ParseUint(payload.EstimatedGas.String(), 10, 64)
	}

	q := &quote.Quote{
		VenueID:        a.name,
		NetworkID:      network.ID,
		SellAsset:      req.SellAsset,
		BuyAsset:       req.BuyAsset,
		SellAmount:     new(big.Int).Set(req.SellAmount),
		BuyAmount:      buyAmount,
		MinBuyAmount:   quote.MinBuyAmount(buyAmount, req.Slippage),
		PriceImpactBps: payload.PriceImpactBps,
		FeeBps:         payload.FeeBps,
		GasEstimate:    gas,
		Route:          payload.Route,
		ValidUntil:     validUntil,
	}
	if payload.Tx != nil {
		value := new(big.Int)
		if payload.Tx.Value != "" {
			if _, ok := value.SetString(payload.Tx.Value, 10); !ok {
				return nil, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("venue %s returned an invalid tx value", a.name))
			}
		}
		q.Transaction = &quote.Transaction{
			Venue: a.name,
			To:    payload.Tx.To,
			Data:  payload.Tx.Data,
			Value: value,
		}
	}
	return q, nil
}

func (a *HTTPAdapter) quoteURL(network chain.Network, req quote.Request) string {
	slippageBps := req.Slippage.Mul(decimal.NewFromInt(10_000)).Round(0)
	values := url.Values{}
	values.Set("chainId", network.ChainID.String())
	values.Set("sellToken", req.SellAsset.Hex())
	values.Set("buyToken", req.BuyAsset.Hex())
	values.Set("sellAmount", req.SellAmount.String())
	values.Set("slippageBps", slippageBps.String())
	if req.Recipient != (common.Address{}) {
		values.Set("taker", req.Recipient.Hex())
	}
	return a.baseURL + "/quote?" + values.Encode()
}
