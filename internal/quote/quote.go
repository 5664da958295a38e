package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
)

// MaxSlippage is the upper bound accepted for a slippage fraction.
var MaxSlippage = decimal.RequireFromString("0.1")

// Request is the canonical quote request after asset resolution.
type Request struct {
	NetworkID  string
	SellAsset  common.Address
	BuyAsset   common.Address
	SellAmount *big.Int
	Slippage   decimal.Decimal
	// Recipient receives the bought asset; zero when only pricing.
	Recipient common.Address
}

// Validate enforces amount and slippage bounds.
func (r Request) Validate() error {
	if r.NetworkID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "network is required")
	}
	if r.SellAmount == nil || r.SellAmount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "sell amount must be a non-negative integer")
	}
	if r.SellAsset == r.BuyAsset {
		return xerrors.New(xerrors.CodeInvalidArgument, "sell and buy assets must differ")
	}
	if !r.Slippage.IsPositive() || r.Slippage.GreaterThan(MaxSlippage) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("slippage must be in (0, %s], got %s", MaxSlippage, r.Slippage))
	}
	return nil
}

// RouteStep is one hop or split of a venue route.
type RouteStep struct {
	Protocol string         `json:"protocol"`
	Percent  uint8          `json:"percent"`
	Pool     common.Address `json:"pool,omitempty"`
}

// Transaction is the payload that realizes a quote on chain. Venue names the
// venue that built it.
type Transaction struct {
	Venue string
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Quote is a normalized, immutable venue answer.
type Quote struct {
	VenueID        string
	NetworkID      string
	SellAsset      common.Address
	BuyAsset       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	MinBuyAmount   *big.Int
	PriceImpactBps uint32
	FeeBps         uint32
	GasEstimate    uint64
	Route          []RouteStep
	ValidUntil     time.Time
	Transaction    *Transaction
}

// Expired reports whether the quote can no longer be consumed at now.
func (q *Quote) Expired(now time.Time) bool {
	return q == nil || !now.Before(q.ValidUntil)
}

type transactionJSON struct {
	Venue string         `json:"venue"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value string         `json:"value"`
}

type quoteJSON struct {
	VenueID        string           `json:"venueId"`
	NetworkID      string           `json:"networkId"`
	SellAsset      common.Address   `json:"sellAsset"`
	BuyAsset       common.Address   `json:"buyAsset"`
	SellAmount     string           `json:"sellAmount"`
	BuyAmount      string           `json:"buyAmount"`
	MinBuyAmount   string           `json:"minBuyAmount"`
	PriceImpactBps uint32           `json:"priceImpactBps"`
	FeeBps         uint32           `json:"feeBps"`
	GasEstimate    uint64           `json:"gasEstimate"`
	Route          []RouteStep      `json:"route"`
	ValidUntil     time.Time        `json:"validUntil"`
	Transaction    *transactionJSON `json:"transaction,omitempty"`
}

// MarshalJSON renders amounts as decimal strings so large values survive
// JSON number handling on the client side.
func (q *Quote) MarshalJSON() ([]byte, error) {
	out := quoteJSON{
		VenueID:        q.VenueID,
		NetworkID:      q.NetworkID,
		SellAsset:      q.SellAsset,
		BuyAsset:       q.BuyAsset,
		SellAmount:     AmountString(q.SellAmount),
		BuyAmount:      AmountString(q.BuyAmount),
		MinBuyAmount:   AmountString(q.MinBuyAmount),
		PriceImpactBps: q.PriceImpactBps,
		FeeBps:         q.FeeBps,
		GasEstimate:    q.GasEstimate,
		Route:          q.Route,
		ValidUntil:     q.ValidUntil.UTC(),
	}
	if q.Transaction != nil {
		out.Transaction = &transactionJSON{
			Venue: q.Transaction.Venue,
			To:    q.Transaction.To,
			Data:  q.Transaction.Data,
			Value: AmountString(q.Transaction.Value),
		}
	}
	return json.Marshal(out)
}

// AmountString formats an optional amount, treating nil as zero.
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// MinBuyAmount returns floor(buyAmount × (1 − slippage)).
func MinBuyAmount(buyAmount *big.Int, slippage decimal.Decimal) *big.Int {
	if buyAmount == nil || buyAmount.Sign() <= 0 {
		return new(big.Int)
	}
	factor := decimal.NewFromInt(1).Sub(slippage)
	return decimal.NewFromBigInt(buyAmount, 0).Mul(factor).Floor().BigInt()
}

// Adapter is one venue's pricing client.
type Adapter interface {
	Venue() string
	Supports(networkID string) bool
	GetQuote(ctx context.Context, network chain.Network, req Request) (*Quote, error)
}
