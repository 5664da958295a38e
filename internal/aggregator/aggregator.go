package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/observability/tracing"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/pkg/logger"
)

const (
	// DefaultAdapterTimeout bounds every venue call.
	DefaultAdapterTimeout = 3 * time.Second
	// TieBreakTolerance is the relative gap below the top quote within which
	// the preferred venue still wins.
	TieBreakTolerance = "0.01"
)

// Networks is the lookup the aggregator needs from the chain registry.
type Networks interface {
	GetNetworkConfig(networkID string) (chain.Network, error)
}

// Savings compares the best quote against the worst.
type Savings struct {
	Absolute          *big.Int        `json:"-"`
	PercentageOfWorst decimal.Decimal `json:"percentageOfWorst"`
}

// MarshalJSON renders the absolute amount as a decimal string.
func (s Savings) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Absolute          string          `json:"absolute"`
		PercentageOfWorst decimal.Decimal `json:"percentageOfWorst"`
	}{quote.AmountString(s.Absolute), s.PercentageOfWorst})
}

// Failure describes a venue that was dropped from the result.
type Failure struct {
	Venue   string       `json:"venue"`
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// Result is the outcome of one aggregation.
type Result struct {
	BestQuote        *quote.Quote   `json:"bestQuote"`
	AllQuotes        []*quote.Quote `json:"allQuotes"`
	Savings          Savings        `json:"savings"`
	RecommendedVenue string         `json:"recommendedVenue"`
	Failures         []Failure      `json:"failures,omitempty"`
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithPreferredVenue sets the venue favoured within the tie-break tolerance.
func WithPreferredVenue(venue string) Option {
	return func(a *Aggregator) { a.preferred = strings.TrimSpace(venue) }
}

// WithTieBreakTolerance overrides the tie-break tolerance fraction.
func WithTieBreakTolerance(tolerance decimal.Decimal) Option {
	return func(a *Aggregator) {
		if !tolerance.IsNegative() {
			a.tolerance = tolerance
		}
	}
}

// WithAdapterTimeout overrides the per venue deadline.
func WithAdapterTimeout(timeout time.Duration) Option {
	return func(a *Aggregator) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Aggregator fans a request out to every venue serving the network and picks
// the best answer. The adapter list is fixed at construction.
type Aggregator struct {
	networks  Networks
	adapters  []quote.Adapter
	preferred string
	tolerance decimal.Decimal
	timeout   time.Duration
	logger    *slog.Logger
}

// New builds an Aggregator.
func New(networks Networks, adapters []quote.Adapter, opts ...Option) *Aggregator {
	a := &Aggregator{
		networks:  networks,
		adapters:  append([]quote.Adapter(nil), adapters...),
		tolerance: decimal.RequireFromString(TieBreakTolerance),
		timeout:   DefaultAdapterTimeout,
		logger:    logger.Named("aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Venues lists the registered venue ids in registration order.
func (a *Aggregator) Venues() []string {
	out := make([]string, 0, len(a.adapters))
	for _, adapter := range a.adapters {
		out = append(out, adapter.Venue())
	}
	return out
}

type slot struct {
	quote *quote.Quote
	err   error
}

// GetBestQuote queries every venue serving req.NetworkID concurrently and
// returns the ranked result.
func (a *Aggregator) GetBestQuote(ctx context.Context, req quote.Request) (result *Result, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "aggregator.GetBestQuote", trace.WithAttributes(
		attribute.String("network", req.NetworkID),
		attribute.String("sell_asset", req.SellAsset.Hex()),
		attribute.String("buy_asset", req.BuyAsset.Hex()),
	))
	defer func() {
		outcome, venue := metrics.OutcomeOK, ""
		if err != nil {
			outcome = string(xerrors.CodeOf(err))
		} else {
			venue = result.RecommendedVenue
			span.SetAttributes(attribute.String("venue", venue), attribute.Int("quotes", len(result.AllQuotes)))
		}
		metrics.ObserveAggregation(req.NetworkID, outcome, venue)
		tracing.End(span, err)
	}()

	network, err := a.networks.GetNetworkConfig(req.NetworkID)
	if err != nil {
		return nil, err
	}
	req.NetworkID = network.ID
	if err := req.Validate(); err != nil {
		return nil, err
	}

	adapters := make([]quote.Adapter, 0, len(a.adapters))
	for _, adapter := range a.adapters {
		if adapter.Supports(network.ID) {
			adapters = append(adapters, adapter)
		}
	}
	if len(adapters) == 0 {
		return nil, xerrors.New(xerrors.CodeUnsupported,
			fmt.Sprintf("no venue serves network %s", network.ID),
			xerrors.WithMetadata("network", network.ID))
	}

	slots := make([]slot, len(adapters))
	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter quote.Adapter) {
			defer wg.Done()
			slots[i] = a.invoke(ctx, adapter, network, req)
		}(i, adapter)
	}
	wg.Wait()

	quotes := make([]*quote.Quote, 0, len(slots))
	var failures []Failure
	for i, s := range slots {
		if s.err != nil {
			failures = append(failures, Failure{
				Venue:   adapters[i].Venue(),
				Code:    xerrors.CodeOf(s.err),
				Message: s.err.Error(),
			})
			continue
		}
		quotes = append(quotes, s.quote)
	}
	if len(quotes) == 0 {
		return nil, xerrors.New(xerrors.CodeNoQuotesAvailable,
			fmt.Sprintf("none of %d venues returned a quote on %s", len(adapters), network.ID),
			xerrors.WithMetadata("network", network.ID))
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].BuyAmount.Cmp(quotes[j].BuyAmount) > 0
	})
	best := a.selectBest(quotes)

	return &Result{
		BestQuote:        best,
		AllQuotes:        quotes,
		Savings:          computeSavings(best, quotes[len(quotes)-1]),
		RecommendedVenue: best.VenueID,
		Failures:         failures,
	}, nil
}

func (a *Aggregator) invoke(ctx context.Context, adapter quote.Adapter, network chain.Network, req quote.Request) slot {
	venue := adapter.Venue()
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	started := time.Now()
	q, err := a.call(callCtx, adapter, network, req)
	if err == nil && (q == nil || q.BuyAmount == nil || q.BuyAmount.Sign() <= 0) {
		err = quote.NoLiquidity(venue, "empty quote")
	}
	if err != nil && quote.IsDeadline(err) {
		err = quote.Timeout(venue, err)
	}

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
		a.logger.Warn("venue dropped",
			slog.String("venue", venue),
			slog.String("network", network.ID),
			slog.String("code", outcome),
			slog.Any("error", err))
	}
	metrics.ObserveAdapterQuote(venue, network.ID, outcome, time.Since(started))
	return slot{quote: q, err: err}
}

// call shields the fan-out from a venue that ignores its context or panics.
func (a *Aggregator) call(ctx context.Context, adapter quote.Adapter, network chain.Network, req quote.Request) (*quote.Quote, error) {
	type answer struct {
		q   *quote.Quote
		err error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("venue %s panicked: %v", adapter.Venue(), r))}
			}
		}()
		q, err := adapter.GetQuote(ctx, network, req)
		done <- answer{q: q, err: err}
	}()
	select {
	case res := <-done:
		return res.q, res.err
	case <-ctx.Done():
		return nil, quote.Timeout(adapter.Venue(), ctx.Err())
	}
}

// selectBest applies the preferred venue tie-break to a ranked list.
func (a *Aggregator) selectBest(ranked []*quote.Quote) *quote.Quote {
	top := ranked[0]
	if a.preferred == "" || top.VenueID == a.preferred {
		return top
	}
	topAmount := decimal.NewFromBigInt(top.BuyAmount, 0)
	threshold := topAmount.Mul(a.tolerance)
	for _, q := range ranked[1:] {
		if q.VenueID != a.preferred {
			continue
		}
		gap := topAmount.Sub(decimal.NewFromBigInt(q.BuyAmount, 0))
		if gap.LessThanOrEqual(threshold) {
			return q
		}
		break
	}
	return top
}

func computeSavings(best, worst *quote.Quote) Savings {
	absolute := new(big.Int).Sub(best.BuyAmount, worst.BuyAmount)
	if absolute.Sign() < 0 {
		absolute.SetInt64(0)
	}
	pct := decimal.Zero
	if worst.BuyAmount.Sign() > 0 {
		pct = decimal.NewFromBigInt(absolute, 0).
			Div(decimal.NewFromBigInt(worst.BuyAmount, 0)).
			Mul(decimal.NewFromInt(100)).
			Round(4)
	}
	return Savings{Absolute: absolute, PercentageOfWorst: pct}
}
