package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"OpenMCP-Swap/internal/aggregator"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/events"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/observability/tracing"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/internal/session"
	"OpenMCP-Swap/internal/storage/mysql"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"
)

// CodeVenueSubstitution 表示待提交的交易不是由报价场所构建的。
const CodeVenueSubstitution xerrors.Code = "VENUE_SUBSTITUTION"

func init() {
	xerrors.Register(CodeVenueSubstitution, xerrors.Attributes{
		Message:  "transaction payload does not belong to the quoted venue",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const (
	// DefaultConfirmationBudget 是等待回执的最长时间。
	DefaultConfirmationBudget = 2 * time.Minute
	// DefaultPollInterval 是查询回执的间隔。
	DefaultPollInterval = 2 * time.Second
	// DefaultGasLimitMultiplier 在预估 gas 之上预留的余量。
	DefaultGasLimitMultiplier = 1.2

	metadataTxHash = "tx_hash"
	alertTimeout   = 5 * time.Second
)

// DefaultGasReserveWei 是提交前要求的最低原生币余额（0.005 ETH）。
var DefaultGasReserveWei = big.NewInt(5_000_000_000_000_000)

// Sessions 解析会话并在会话内部完成签名。
type Sessions interface {
	ResolveSession(ctx context.Context, token string) (*session.Session, bool)
	SignTransaction(ctx context.Context, token string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// QuoteSource 提供聚合后的最优报价。
type QuoteSource interface {
	GetBestQuote(ctx context.Context, req quote.Request) (*aggregator.Result, error)
}

// ChainClients 按网络返回链客户端。
type ChainClients interface {
	Client(networkID string) (web3.Client, error)
}

// Config 控制执行参数。
type Config struct {
	GasReserveWei          *big.Int
	ConfirmationBudget     time.Duration
	PollInterval           time.Duration
	GasLimitMultiplier     float64
	AllowVenueSubstitution bool
}

// Request 描述一次兑换执行，资产已在边界解析为地址。
type Request struct {
	Token      string
	NetworkID  string
	SellAsset  common.Address
	BuyAsset   common.Address
	SellAmount *big.Int
	Slippage   decimal.Decimal
}

// Provenance 记录被执行报价的来源。
type Provenance struct {
	Quote            *quote.Quote         `json:"quote"`
	RecommendedVenue string               `json:"recommendedVenue"`
	QuotesConsidered int                  `json:"quotesConsidered"`
	Failures         []aggregator.Failure `json:"failures,omitempty"`
}

// Result 是成功执行的结果。
type Result struct {
	ExecutionID     string             `json:"executionId"`
	TxReference     string             `json:"txReference"`
	ConfirmedBlock  uint64             `json:"confirmedBlock"`
	ActualGasUsed   uint64             `json:"actualGasUsed"`
	QuoteProvenance Provenance         `json:"quoteProvenance"`
	Savings         aggregator.Savings `json:"savings"`
}

// Option 定义可选的 Executor 配置。
type Option func(*Executor)

// WithHistory 配置执行历史仓库。
func WithHistory(repo mysql.ExecutionRepository) Option {
	return func(e *Executor) { e.history = repo }
}

// WithPublisher 配置执行事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerts = d }
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 覆盖组件日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor 负责把最优报价落到链上。它从不重试：任何失败都原样返回给调用方。
type Executor struct {
	cfg       Config
	sessions  Sessions
	quotes    QuoteSource
	clients   ChainClients
	history   mysql.ExecutionRepository
	publisher events.Publisher
	alerts    alerting.Dispatcher
	now       func() time.Time
	logger    *slog.Logger
}

// New 创建 Executor。
func New(cfg Config, sessions Sessions, quotes QuoteSource, clients ChainClients, opts ...Option) *Executor {
	if cfg.GasReserveWei == nil || cfg.GasReserveWei.Sign() < 0 {
		cfg.GasReserveWei = new(big.Int).Set(DefaultGasReserveWei)
	}
	if cfg.ConfirmationBudget <= 0 {
		cfg.ConfirmationBudget = DefaultConfirmationBudget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = DefaultGasLimitMultiplier
	}
	e := &Executor{
		cfg:      cfg,
		sessions: sessions,
		quotes:   quotes,
		clients:  clients,
		now:      time.Now,
		logger:   logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// run 汇总一次执行过程中的状态，用于落库、事件与告警。
type run struct {
	id         string
	req        Request
	session    *session.Session
	started    time.Time
	quote      *quote.Quote
	savings    aggregator.Savings
	txHash     common.Hash
	receipt    *types.Receipt
	provenance Provenance
}

// Execute 执行一次兑换：校验会话与余额，获取最优报价，签名提交并在预算内等待确认。
func (e *Executor) Execute(ctx context.Context, req Request) (result *Result, err error) {
	r := &run{id: uuid.NewString(), req: req, started: e.now()}

	ctx, span := tracing.Tracer().Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("swap.network", req.NetworkID),
		attribute.String("swap.execution_id", r.id),
	))
	defer func() {
		if r.txHash != (common.Hash{}) {
			span.SetAttributes(attribute.String("swap.tx_hash", r.txHash.Hex()))
		}
		tracing.End(span, err)
		e.finish(r, err)
	}()

	// (a) 会话。
	sess, ok := e.sessions.ResolveSession(ctx, req.Token)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "session is invalid or expired")
	}
	r.session = sess
	if !sess.HasNetwork(req.NetworkID) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("session is not enabled for network %s", req.NetworkID))
	}

	client, err := e.clients.Client(req.NetworkID)
	if err != nil {
		return nil, err
	}

	// (b) gas 储备。
	balance, err := client.BalanceAt(ctx, sess.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "read native balance")
	}
	if balance.Cmp(e.cfg.GasReserveWei) < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientGas,
			fmt.Sprintf("native balance %s below gas reserve %s", balance, e.cfg.GasReserveWei),
			xerrors.WithMetadata("address", sess.Address.Hex()))
	}

	// (c) 以会话地址为收款方聚合报价。
	agg, err := e.quotes.GetBestQuote(ctx, quote.Request{
		NetworkID:  req.NetworkID,
		SellAsset:  req.SellAsset,
		BuyAsset:   req.BuyAsset,
		SellAmount: req.SellAmount,
		Slippage:   req.Slippage,
		Recipient:  sess.Address,
	})
	if err != nil {
		return nil, err
	}
	best := agg.BestQuote
	r.quote = best
	r.savings = agg.Savings
	r.provenance = Provenance{
		Quote:            best,
		RecommendedVenue: agg.RecommendedVenue,
		QuotesConsidered: len(agg.AllQuotes),
		Failures:         agg.Failures,
	}

	// (d) 过期报价不提交。
	if best.Expired(e.now()) {
		return nil, xerrors.New(xerrors.CodeQuoteExpired,
			fmt.Sprintf("quote from %s expired at %s", best.VenueID, best.ValidUntil.UTC().Format(time.RFC3339)))
	}
	payload, err := e.payload(best)
	if err != nil {
		return nil, err
	}

	// (e) 构建、签名并提交。
	signed, err := e.submit(ctx, client, sess, req.Token, payload, best.GasEstimate)
	if err != nil {
		return nil, err
	}
	r.txHash = signed.Hash()
	e.logger.Info("swap submitted",
		slog.String("execution_id", r.id),
		slog.String("network", req.NetworkID),
		slog.String("venue", best.VenueID),
		slog.String("tx_hash", r.txHash.Hex()))

	// (f) 有界等待确认。
	receipt, err := e.awaitReceipt(ctx, client, r.txHash)
	if err != nil {
		return nil, err
	}
	r.receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed, "transaction reverted",
			xerrors.WithMetadata(metadataTxHash, r.txHash.Hex()))
	}

	// (g)
	return &Result{
		ExecutionID:     r.id,
		TxReference:     r.txHash.Hex(),
		ConfirmedBlock:  receipt.BlockNumber.Uint64(),
		ActualGasUsed:   receipt.GasUsed,
		QuoteProvenance: r.provenance,
		Savings:         agg.Savings,
	}, nil
}

// payload 返回报价附带的交易。交易必须由报价场所本身构建，除非显式允许替换。
func (e *Executor) payload(q *quote.Quote) (*quote.Transaction, error) {
	tx := q.Transaction
	if tx == nil {
		if e.cfg.AllowVenueSubstitution {
			return nil, xerrors.New(xerrors.CodeSubmissionFailed, fmt.Sprintf("quote from %s carries no transaction", q.VenueID))
		}
		return nil, xerrors.New(CodeVenueSubstitution, fmt.Sprintf("quote from %s carries no transaction", q.VenueID),
			xerrors.WithMetadata("venue", q.VenueID))
	}
	if tx.Venue != q.VenueID && !e.cfg.AllowVenueSubstitution {
		return nil, xerrors.New(CodeVenueSubstitution,
			fmt.Sprintf("quote from %s would be executed through %s", q.VenueID, tx.Venue),
			xerrors.WithMetadata("venue", q.VenueID),
			xerrors.WithMetadata("payload_venue", tx.Venue))
	}
	if tx.To == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed, "transaction payload has no target")
	}
	return tx, nil
}

func (e *Executor) submit(ctx context.Context, client web3.Client, sess *session.Session, token string, payload *quote.Transaction, quotedGas uint64) (*types.Transaction, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "read chain id")
	}
	nonce, err := client.PendingNonceAt(ctx, sess.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "read nonce")
	}
	fees, err := client.SuggestFees(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "suggest fees")
	}
	value := payload.Value
	if value == nil {
		value = new(big.Int)
	}
	to := payload.To

	gas, err := client.EstimateGas(ctx, gethcore.CallMsg{From: sess.Address, To: &to, Value: value, Data: payload.Data})
	if err != nil {
		if quotedGas == 0 {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "estimate gas")
		}
		e.logger.Warn("gas estimation failed, using venue estimate",
			slog.Uint64("venue_gas", quotedGas), slog.Any("error", err))
		gas = quotedGas
	}
	gas = scaleGas(gas, e.cfg.GasLimitMultiplier)

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      payload.Data,
	})
	signed, err := e.sessions.SignTransaction(ctx, token, unsigned, chainID)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "send transaction",
			xerrors.WithMetadata(metadataTxHash, signed.Hash().Hex()))
	}
	return signed, nil
}

func scaleGas(gas uint64, multiplier float64) uint64 {
	scaled := math.Ceil(float64(gas) * multiplier)
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(scaled)
}

// awaitReceipt 在预算内轮询回执，超时返回 PENDING_UNKNOWN 并附带交易哈希。
func (e *Executor) awaitReceipt(ctx context.Context, client web3.Client, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationBudget)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			e.logger.Debug("receipt lookup failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return nil, xerrors.New(xerrors.CodePendingUnknown,
				fmt.Sprintf("no receipt for %s within %s", hash.Hex(), e.cfg.ConfirmationBudget),
				xerrors.WithMetadata(metadataTxHash, hash.Hex()))
		case <-ticker.C:
		}
	}
}

// finish 落库、发布事件并按需告警。它们都不影响返回值。
func (e *Executor) finish(r *run, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	completed := e.now()
	status, eventType := outcome(execErr)
	code := ""
	if execErr != nil {
		code = string(xerrors.CodeOf(execErr))
	}
	metricOutcome := metrics.OutcomeOK
	if code != "" {
		metricOutcome = code
	}
	metrics.ObserveExecution(r.req.NetworkID, metricOutcome, completed.Sub(r.started))

	if r.session == nil {
		// 未通过认证的请求不落库。
		return
	}
	record := e.record(r, status, execErr, completed)

	if e.history != nil {
		if err := e.history.Save(ctx, record); err != nil {
			e.logger.Error("record execution failed", slog.String("execution_id", r.id), slog.Any("error", err))
		}
	}
	if e.publisher != nil {
		ev := events.Event{
			ID:          uuid.NewString(),
			Type:        eventType,
			ExecutionID: r.id,
			SessionID:   record.SessionID,
			UserID:      record.UserID,
			NetworkID:   record.NetworkID,
			Venue:       record.Venue,
			TxHash:      record.TxHash,
			BlockNumber: record.BlockNumber,
			ErrorCode:   record.ErrorCode,
			OccurredAt:  completed,
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("publish execution event failed", slog.String("execution_id", r.id), slog.Any("error", err))
		}
	}
	if e.alerts != nil && execErr != nil && xerrors.ShouldAlert(execErr) {
		alert := alerting.EventFromError(execErr, completed)
		alert.ExecutionID = r.id
		alert.SessionID = record.SessionID
		alert.NetworkID = record.NetworkID
		if err := e.alerts.Notify(ctx, alert); err != nil {
			e.logger.Warn("dispatch alert failed", slog.String("execution_id", r.id), slog.Any("error", err))
		}
	}
}

func outcome(err error) (status, eventType string) {
	switch {
	case err == nil:
		return mysql.StatusConfirmed, events.TypeExecutionConfirmed
	case xerrors.HasCode(err, xerrors.CodePendingUnknown):
		return mysql.StatusPending, events.TypeExecutionPending
	case xerrors.HasCode(err, xerrors.CodeSubmissionFailed):
		if e, ok := xerrors.From(err); ok && e.Metadata()[metadataTxHash] != "" {
			return mysql.StatusFailed, events.TypeExecutionFailed
		}
		return mysql.StatusRejected, events.TypeExecutionRejected
	default:
		return mysql.StatusRejected, events.TypeExecutionRejected
	}
}

func (e *Executor) record(r *run, status string, execErr error, completed time.Time) mysql.ExecutionRecord {
	record := mysql.ExecutionRecord{
		ID:          r.id,
		SessionID:   r.session.SessionID,
		UserID:      r.session.UserID,
		NetworkID:   r.req.NetworkID,
		SellAsset:   r.req.SellAsset.Hex(),
		BuyAsset:    r.req.BuyAsset.Hex(),
		SellAmount:  quote.AmountString(r.req.SellAmount),
		Status:      status,
		CreatedAt:   r.started.Unix(),
		CompletedAt: completed.Unix(),
		DurationMs:  completed.Sub(r.started).Milliseconds(),
	}
	if r.quote != nil {
		record.Venue = r.quote.VenueID
		record.BuyAmount = quote.AmountString(r.quote.BuyAmount)
		record.MinBuyAmount = quote.AmountString(r.quote.MinBuyAmount)
		record.SavingsAbsolute = quote.AmountString(r.savings.Absolute)
		record.SavingsPercent = r.savings.PercentageOfWorst.String()
	}
	if r.txHash != (common.Hash{}) {
		record.TxHash = r.txHash.Hex()
	}
	if r.receipt != nil {
		record.BlockNumber = r.receipt.BlockNumber.Uint64()
		record.GasUsed = r.receipt.GasUsed
	}
	if execErr != nil {
		record.ErrorCode = string(xerrors.CodeOf(execErr))
		record.ErrorMessage = execErr.Error()
	}
	return record
}
