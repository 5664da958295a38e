package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Swap/internal/aggregator"
	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/events"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/internal/session"
	"OpenMCP-Swap/internal/storage/mysql"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/internal/web3/ethereum"
	"OpenMCP-Swap/internal/web3/provider"
)

const (
	goodToken = "good-token"
	venueID   = "uniswap-v2"
)

var (
	routerAddr = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	usdcAddr   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	oneEther   = big.NewInt(1_000_000_000_000_000_000)
)

type fakeSessions struct {
	key    *ecdsa.PrivateKey
	sess   *session.Session
	signed atomic.Int32
}

func newFakeSessions(t *testing.T) *fakeSessions {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeSessions{key: key, sess: &session.Session{
		SessionID:  "sess-1",
		UserID:     "user-1",
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		NetworkIDs: []string{"ethereum"},
	}}
}

func (f *fakeSessions) ResolveSession(_ context.Context, token string) (*session.Session, bool) {
	if token != goodToken {
		return nil, false
	}
	return f.sess, true
}

func (f *fakeSessions) SignTransaction(_ context.Context, token string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if token != goodToken {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "bad token")
	}
	f.signed.Add(1)
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), f.key)
}

type fakeClient struct {
	balance  *big.Int
	sendErr  error
	receipt  func(hash common.Hash) (*types.Receipt, error)
	estimate uint64

	mu   sync.Mutex
	sent []*types.Transaction
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}
func (c *fakeClient) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (c *fakeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (c *fakeClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return c.balance, nil
}
func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (c *fakeClient) SuggestFees(context.Context) (web3.Fees, error) {
	return web3.Fees{TipCap: big.NewInt(1), FeeCap: big.NewInt(10)}, nil
}
func (c *fakeClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	if c.estimate == 0 {
		return 0, errors.New("execution reverted")
	}
	return c.estimate, nil
}
func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.mu.Unlock()
	return c.sendErr
}
func (c *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if c.receipt == nil {
		return nil, gethcore.NotFound
	}
	return c.receipt(hash)
}
func (c *fakeClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (c *fakeClient) Close() {}

func (c *fakeClient) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeQuotes struct {
	result *aggregator.Result
	err    error
	calls  atomic.Int32
	last   quote.Request
}

func (f *fakeQuotes) GetBestQuote(_ context.Context, req quote.Request) (*aggregator.Result, error) {
	f.calls.Add(1)
	f.last = req
	return f.result, f.err
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func quoteResult(validUntil time.Time, tx *quote.Transaction) *aggregator.Result {
	best := &quote.Quote{
		VenueID:      venueID,
		NetworkID:    "ethereum",
		SellAsset:    chain.NativeAssetAddress,
		BuyAsset:     usdcAddr,
		SellAmount:   big.NewInt(1000),
		BuyAmount:    big.NewInt(2000),
		MinBuyAmount: big.NewInt(1990),
		GasEstimate:  150000,
		ValidUntil:   validUntil,
		Transaction:  tx,
	}
	worst := &quote.Quote{VenueID: "other", BuyAmount: big.NewInt(1950)}
	return &aggregator.Result{
		BestQuote:        best,
		AllQuotes:        []*quote.Quote{best, worst},
		RecommendedVenue: venueID,
		Savings:          aggregator.Savings{Absolute: big.NewInt(50), PercentageOfWorst: decimal.RequireFromString("2.5641")},
	}
}

func routerTx(venue string) *quote.Transaction {
	return &quote.Transaction{Venue: venue, To: routerAddr, Data: []byte{0x7f, 0xf3, 0x6a, 0xb5}, Value: big.NewInt(1000)}
}

type harness struct {
	exec     *Executor
	sessions *fakeSessions
	client   *fakeClient
	quotes   *fakeQuotes
	history  *mysql.MemoryExecutionRepository
	events   *events.MemoryPublisher
	alerts   *recordingAlerts
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		sessions: newFakeSessions(t),
		client:   &fakeClient{balance: new(big.Int).Set(oneEther), estimate: 120000},
		quotes:   &fakeQuotes{result: quoteResult(now.Add(30*time.Second), routerTx(venueID))},
		history:  mysql.NewMemoryExecutionRepository(16),
		events:   events.NewMemoryPublisher(16),
		alerts:   &recordingAlerts{},
		now:      now,
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.ConfirmationBudget == 0 {
		cfg.ConfirmationBudget = 50 * time.Millisecond
	}
	clients := provider.NewStaticRegistry(map[string]web3.Client{"ethereum": h.client})
	h.exec = New(cfg, h.sessions, h.quotes, clients,
		WithHistory(h.history),
		WithPublisher(h.events),
		WithAlerts(h.alerts),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func request(token string) Request {
	return Request{
		Token:      token,
		NetworkID:  "ethereum",
		SellAsset:  chain.NativeAssetAddress,
		BuyAsset:   usdcAddr,
		SellAmount: big.NewInt(1000),
		Slippage:   decimal.RequireFromString("0.005"),
	}
}

func (h *harness) history1(t *testing.T) mysql.ExecutionRecord {
	t.Helper()
	list, err := h.history.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestExecuteRejectsInvalidSession(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.exec.Execute(context.Background(), request("bogus"))
	require.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized), "got %v", err)
	assert.Zero(t, h.quotes.calls.Load())
	assert.Zero(t, h.client.sends())

	list, _ := h.history.ListByUser(context.Background(), "user-1", 10)
	assert.Empty(t, list, "unauthenticated attempts are not recorded")
}

func TestExecuteRejectsNetworkOutsideSession(t *testing.T) {
	h := newHarness(t, Config{})
	req := request(goodToken)
	req.NetworkID = "polygon"

	_, err := h.exec.Execute(context.Background(), req)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized), "got %v", err)
}

func TestExecuteRequiresGasReserve(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.balance = new(big.Int).Sub(DefaultGasReserveWei, big.NewInt(1))

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, xerrors.CodeInsufficientGas), "got %v", err)
	assert.Zero(t, h.quotes.calls.Load(), "no quote is requested without the gas reserve")

	rec := h.history1(t)
	assert.Equal(t, mysql.StatusRejected, rec.Status)
	assert.Equal(t, string(xerrors.CodeInsufficientGas), rec.ErrorCode)
}

func TestExecuteRejectsExpiredQuoteWithoutSubmission(t *testing.T) {
	h := newHarness(t, Config{})
	h.quotes.result = quoteResult(h.now.Add(-time.Second), routerTx(venueID))

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, xerrors.CodeQuoteExpired), "got %v", err)
	assert.Zero(t, h.client.sends(), "expired quotes must never be submitted")
	assert.Zero(t, h.sessions.signed.Load())

	rec := h.history1(t)
	assert.Equal(t, mysql.StatusRejected, rec.Status)
	assert.Empty(t, rec.TxHash)
	assert.Equal(t, venueID, rec.Venue)
}

func TestExecuteQuoteExpiringExactlyNowIsExpired(t *testing.T) {
	h := newHarness(t, Config{})
	h.quotes.result = quoteResult(h.now, routerTx(venueID))

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQuoteExpired), "got %v", err)
	assert.Zero(t, h.client.sends())
}

func TestExecuteFailsClosedOnVenueSubstitution(t *testing.T) {
	h := newHarness(t, Config{})
	h.quotes.result = quoteResult(h.now.Add(time.Minute), routerTx("someone-else"))

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, CodeVenueSubstitution), "got %v", err)
	assert.Zero(t, h.client.sends())

	h.quotes.result = quoteResult(h.now.Add(time.Minute), nil)
	_, err = h.exec.Execute(context.Background(), request(goodToken))
	assert.True(t, xerrors.HasCode(err, CodeVenueSubstitution), "got %v", err)

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Len(t, h.alerts.events, 2)
	assert.Equal(t, CodeVenueSubstitution, h.alerts.events[0].Code)
}

func TestExecuteAllowsSubstitutionWhenConfigured(t *testing.T) {
	h := newHarness(t, Config{AllowVenueSubstitution: true})
	h.quotes.result = quoteResult(h.now.Add(time.Minute), routerTx("someone-else"))
	h.client.receipt = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10), GasUsed: 100000}, nil
	}

	res, err := h.exec.Execute(context.Background(), request(goodToken))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.ConfirmedBlock)
}

func TestExecuteReturnsPendingUnknownAfterBudget(t *testing.T) {
	h := newHarness(t, Config{ConfirmationBudget: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond})

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, xerrors.CodePendingUnknown), "got %v", err)
	require.Equal(t, 1, h.client.sends(), "pending transactions are never resubmitted")

	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, h.client.sent[0].Hash().Hex(), coded.Metadata()["tx_hash"])

	rec := h.history1(t)
	assert.Equal(t, mysql.StatusPending, rec.Status)
	assert.Equal(t, h.client.sent[0].Hash().Hex(), rec.TxHash)

	ev := <-h.events.Events()
	assert.Equal(t, events.TypeExecutionPending, ev.Type)
}

func TestExecuteSendFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.sendErr = errors.New("nonce too low")

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, xerrors.CodeSubmissionFailed), "got %v", err)
	assert.Equal(t, 1, h.client.sends())
	assert.Equal(t, mysql.StatusFailed, h.history1(t).Status)
}

func TestExecuteRevertedReceipt(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.receipt = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(11), GasUsed: 90000}, nil
	}

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.True(t, xerrors.HasCode(err, xerrors.CodeSubmissionFailed), "got %v", err)
	rec := h.history1(t)
	assert.Equal(t, mysql.StatusFailed, rec.Status)
	assert.Equal(t, uint64(11), rec.BlockNumber)
}

func TestExecuteBuildsTransactionFromQuote(t *testing.T) {
	h := newHarness(t, Config{GasLimitMultiplier: 1.5})
	h.client.receipt = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 110000}, nil
	}

	res, err := h.exec.Execute(context.Background(), request(goodToken))
	require.NoError(t, err)

	assert.Equal(t, h.sessions.sess.Address, h.quotes.last.Recipient, "the session wallet receives the output")
	require.Equal(t, 1, h.client.sends())
	tx := h.client.sent[0]
	assert.Equal(t, routerAddr, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(180000), tx.Gas())
	assert.Equal(t, big.NewInt(1000), tx.Value())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())

	assert.Equal(t, tx.Hash().Hex(), res.TxReference)
	assert.Equal(t, uint64(42), res.ConfirmedBlock)
	assert.Equal(t, uint64(110000), res.ActualGasUsed)
	assert.Equal(t, venueID, res.QuoteProvenance.Quote.VenueID)
	assert.Equal(t, 2, res.QuoteProvenance.QuotesConsidered)
	assert.Equal(t, big.NewInt(50), res.Savings.Absolute)

	rec := h.history1(t)
	assert.Equal(t, mysql.StatusConfirmed, rec.Status)
	assert.Equal(t, "2.5641", rec.SavingsPercent)
	ev := <-h.events.Events()
	assert.Equal(t, events.TypeExecutionConfirmed, ev.Type)
	assert.Equal(t, res.ExecutionID, ev.ExecutionID)
}

func TestExecuteFallsBackToVenueGasEstimate(t *testing.T) {
	h := newHarness(t, Config{GasLimitMultiplier: 1})
	h.client.estimate = 0
	h.client.receipt = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
	}

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	require.NoError(t, err)
	assert.Equal(t, uint64(150000), h.client.sent[0].Gas())
}

func TestExecutePropagatesAggregationFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.quotes.result = nil
	h.quotes.err = xerrors.New(xerrors.CodeNoQuotesAvailable, "all venues failed")

	_, err := h.exec.Execute(context.Background(), request(goodToken))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNoQuotesAvailable), "got %v", err)
	assert.Zero(t, h.client.sends())
}

func TestScaleGas(t *testing.T) {
	assert.Equal(t, uint64(25200), scaleGas(21000, 1.2))
	assert.Equal(t, uint64(21000), scaleGas(21000, 1))
}

type registryNetworks map[string]bool

func (n registryNetworks) GetNetworkConfig(id string) (chain.Network, error) {
	if !n[strings.ToLower(id)] {
		return chain.Network{}, xerrors.New(xerrors.CodeUnsupported, "unknown network")
	}
	return chain.Network{ID: strings.ToLower(id)}, nil
}

// TestExecuteOnSimulatedChain 使用真实的会话管理器和模拟链走完整个流程。
func TestExecuteOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	faucetKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	faucet := crypto.PubkeyToAddress(faucetKey.PublicKey)
	sim := backends.NewSimulatedBackend(core.GenesisAlloc{
		faucet: {Balance: new(big.Int).Mul(oneEther, big.NewInt(10))},
	}, 8_000_000)
	client := ethereum.NewSimulatedClient("ethereum", sim)
	t.Cleanup(client.Close)

	manager, err := session.NewManager(session.Config{Secret: "secret"}, nil, registryNetworks{"ethereum": true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	sess, err := manager.CreateSession(ctx, "user-sim", []string{"ethereum"})
	require.NoError(t, err)

	fund(ctx, t, client, faucetKey, sess.Address, oneEther)

	pool := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	quotes := &fakeQuotes{result: quoteResult(time.Now().Add(time.Minute),
		&quote.Transaction{Venue: venueID, To: pool, Value: big.NewInt(1000)})}
	history := mysql.NewMemoryExecutionRepository(4)
	exec := New(Config{PollInterval: 5 * time.Millisecond, ConfirmationBudget: 5 * time.Second}, manager, quotes,
		provider.NewStaticRegistry(map[string]web3.Client{"ethereum": client}),
		WithHistory(history))

	res, err := exec.Execute(ctx, Request{
		Token:      sess.BearerToken,
		NetworkID:  "ethereum",
		SellAsset:  chain.NativeAssetAddress,
		BuyAsset:   usdcAddr,
		SellAmount: big.NewInt(1000),
		Slippage:   decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), res.ActualGasUsed)
	assert.NotZero(t, res.ConfirmedBlock)

	received, err := client.BalanceAt(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), received)

	list, err := history.ListByUser(ctx, "user-sim", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.TxReference, list[0].TxHash)

	require.True(t, manager.RevokeSession(ctx, sess.BearerToken))
	_, err = exec.Execute(ctx, Request{Token: sess.BearerToken, NetworkID: "ethereum"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized), "got %v", err)
}

func fund(ctx context.Context, t *testing.T, client *ethereum.Client, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)
	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	nonce, err := client.PendingNonceAt(ctx, from)
	require.NoError(t, err)
	fees, err := client.SuggestFees(ctx)
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID: chainID, Nonce: nonce, GasTipCap: fees.TipCap, GasFeeCap: fees.FeeCap, Gas: 21000, To: &to, Value: amount,
	}), types.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(ctx, tx))
}
