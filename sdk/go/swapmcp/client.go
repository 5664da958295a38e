// Package swapmcp is a Go client for the swapd tool API.
package swapmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout covers one tool call. Executions wait for confirmation on
// the server, so callers that submit swaps usually want a longer timeout.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoSession is returned by calls that need a bearer token before
// CreateSession or SetToken.
var ErrNoSession = errors.New("swapmcp: session token is not set")

// Client wraps the HTTP interactions with the swapd tool API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Session is returned by CreateSession.
type Session struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Address      string    `json:"address"`
	NetworkIDs   []string  `json:"networkIds"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	BearerToken  string    `json:"bearerToken,omitempty"`
}

// Network is the public view of a configured network.
type Network struct {
	NetworkID        string            `json:"networkId"`
	Type             string            `json:"type,omitempty"`
	ChainID          string            `json:"chainId,omitempty"`
	NativeUnitSymbol string            `json:"nativeUnitSymbol"`
	GasPriceHint     string            `json:"gasPriceHint,omitempty"`
	FeeTiers         []uint32          `json:"feeTiers,omitempty"`
	Tokens           map[string]string `json:"tokens,omitempty"`
	Description      string            `json:"description,omitempty"`
}

// SwapParams selects the trade for GetQuote and ExecuteSwap. Assets are
// symbols or 0x addresses. Amounts are base-unit integers in decimal.
type SwapParams struct {
	NetworkID  string `json:"networkId"`
	SellAsset  string `json:"sellAsset"`
	BuyAsset   string `json:"buyAsset"`
	SellAmount string `json:"sellAmount"`
	Slippage   string `json:"slippage,omitempty"`
}

// RouteStep is one hop of a venue route.
type RouteStep struct {
	Protocol string `json:"protocol"`
	Percent  uint8  `json:"percent"`
	Pool     string `json:"pool,omitempty"`
}

// Quote is a single venue quote.
type Quote struct {
	VenueID        string      `json:"venueId"`
	NetworkID      string      `json:"networkId"`
	SellAsset      string      `json:"sellAsset"`
	BuyAsset       string      `json:"buyAsset"`
	SellAmount     string      `json:"sellAmount"`
	BuyAmount      string      `json:"buyAmount"`
	MinBuyAmount   string      `json:"minBuyAmount"`
	PriceImpactBps uint32      `json:"priceImpactBps"`
	FeeBps         uint32      `json:"feeBps"`
	GasEstimate    uint64      `json:"gasEstimate"`
	Route          []RouteStep `json:"route"`
	ValidUntil     time.Time   `json:"validUntil"`
}

// Savings compares the best quote with the worst.
type Savings struct {
	Absolute          string `json:"absolute"`
	PercentageOfWorst string `json:"percentageOfWorst"`
}

// VenueFailure names a venue dropped from an aggregation.
type VenueFailure struct {
	Venue   string `json:"venue"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QuoteResult is the aggregated outcome on one network.
type QuoteResult struct {
	BestQuote        Quote          `json:"bestQuote"`
	AllQuotes        []Quote        `json:"allQuotes"`
	Savings          Savings        `json:"savings"`
	RecommendedVenue string         `json:"recommendedVenue"`
	Failures         []VenueFailure `json:"failures,omitempty"`
}

// NetworkQuote is one row of CompareNetworks.
type NetworkQuote struct {
	NetworkID string      `json:"networkId"`
	Result    QuoteResult `json:"result"`
}

// Provenance records which quote an execution consumed.
type Provenance struct {
	Quote            Quote          `json:"quote"`
	RecommendedVenue string         `json:"recommendedVenue"`
	QuotesConsidered int            `json:"quotesConsidered"`
	Failures         []VenueFailure `json:"failures,omitempty"`
}

// Execution is the result of a confirmed swap.
type Execution struct {
	ExecutionID     string     `json:"executionId"`
	TxReference     string     `json:"txReference"`
	ConfirmedBlock  uint64     `json:"confirmedBlock"`
	ActualGasUsed   uint64     `json:"actualGasUsed"`
	QuoteProvenance Provenance `json:"quoteProvenance"`
	Savings         Savings    `json:"savings"`
}

// ExecutionRecord is one entry of the caller's execution history.
type ExecutionRecord struct {
	ID           string `json:"id"`
	NetworkID    string `json:"networkId"`
	Venue        string `json:"venue,omitempty"`
	SellAsset    string `json:"sellAsset"`
	BuyAsset     string `json:"buyAsset"`
	SellAmount   string `json:"sellAmount"`
	BuyAmount    string `json:"buyAmount,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	BlockNumber  uint64 `json:"blockNumber,omitempty"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// APIError is a failed envelope. Metadata carries the server supplied
// details, for example tx_hash on PENDING_UNKNOWN.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Metadata   map[string]string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("swapmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("swapmcp api error (%d): %s", e.StatusCode, e.Message)
}

// TxHash returns the submitted transaction hash attached to the error, if any.
func (e *APIError) TxHash() string {
	if e == nil {
		return ""
	}
	return e.Metadata["tx_hash"]
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// NewClient instantiates a client for the swapd API. When httpClient is nil a
// client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Token returns the stored bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken overrides the stored bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ListNetworks returns every configured network.
func (c *Client) ListNetworks(ctx context.Context) ([]Network, error) {
	var out []Network
	return out, c.call(ctx, "list_networks", nil, &out, false)
}

// GetQuote returns the best quote on one network.
func (c *Client) GetQuote(ctx context.Context, params SwapParams) (QuoteResult, error) {
	var out QuoteResult
	return out, c.call(ctx, "get_quote", params, &out, false)
}

// CompareNetworks quotes a symbol pair on every network.
func (c *Client) CompareNetworks(ctx context.Context, sellSymbol, buySymbol, sellAmount string) ([]NetworkQuote, error) {
	params := map[string]string{"sellSymbol": sellSymbol, "buySymbol": buySymbol, "sellAmount": sellAmount}
	var out []NetworkQuote
	return out, c.call(ctx, "compare_networks", params, &out, false)
}

// CreateSession opens a session and stores its bearer token for later calls.
func (c *Client) CreateSession(ctx context.Context, userID string, networkIDs []string) (Session, error) {
	params := map[string]any{"userId": userID, "networkIds": networkIDs}
	var out Session
	if err := c.call(ctx, "create_session", params, &out, false); err != nil {
		return Session{}, err
	}
	c.SetToken(out.BearerToken)
	return out, nil
}

// RevokeSession revokes the stored session. It reports false when the server
// no longer knew the session.
func (c *Client) RevokeSession(ctx context.Context) (bool, error) {
	var out struct {
		Revoked bool `json:"revoked"`
	}
	if err := c.call(ctx, "revoke_session", nil, &out, true); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return false, nil
		}
		return false, err
	}
	c.SetToken("")
	return out.Revoked, nil
}

// ExecuteSwap quotes and submits a swap from the session wallet. The call is
// never retried; on PENDING_UNKNOWN inspect APIError.TxHash.
func (c *Client) ExecuteSwap(ctx context.Context, params SwapParams) (Execution, error) {
	var out Execution
	return out, c.call(ctx, "execute_swap", params, &out, true)
}

// ExportKey returns the hex private key of the session wallet.
func (c *Client) ExportKey(ctx context.Context, exportCode string) (string, error) {
	var out struct {
		PrivateKey string `json:"privateKey"`
	}
	if err := c.call(ctx, "export_key", map[string]string{"exportCode": exportCode}, &out, true); err != nil {
		return "", err
	}
	return out.PrivateKey, nil
}

// ListExecutions returns the most recent executions of the session's user.
func (c *Client) ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	return out, c.call(ctx, "list_executions", map[string]int{"limit": limit}, &out, true)
}

func (c *Client) call(ctx context.Context, tool string, params any, out any, withAuth bool) error {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, "/api/v1/tools", tool)}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		token := c.Token()
		if token == "" {
			return ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}
	if !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error}
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &apiErr.Metadata)
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
