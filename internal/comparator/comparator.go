// Package comparator prices the same trade on every supported network and
// ranks the networks by output.
package comparator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Swap/internal/aggregator"
	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/pkg/logger"
)

// DefaultSlippage is applied to every per-network request.
const DefaultSlippage = "0.005"

// Registry is the subset of the chain registry the comparator needs.
type Registry interface {
	Networks() []string
	ResolveAssetAddress(ref chain.AssetRef, networkID string) (common.Address, error)
}

// QuoteSource produces the best quote for one network.
type QuoteSource interface {
	GetBestQuote(ctx context.Context, req quote.Request) (*aggregator.Result, error)
}

// NetworkQuote is one row of the comparison.
type NetworkQuote struct {
	NetworkID string             `json:"networkId"`
	Result    *aggregator.Result `json:"result"`
}

// Comparator fans one trade out across networks.
type Comparator struct {
	registry Registry
	quotes   QuoteSource
	slippage decimal.Decimal
	logger   *slog.Logger
}

// New builds a Comparator.
func New(registry Registry, quotes QuoteSource) *Comparator {
	return &Comparator{
		registry: registry,
		quotes:   quotes,
		slippage: decimal.RequireFromString(DefaultSlippage),
		logger:   logger.Named("comparator"),
	}
}

// CompareAcrossNetworks resolves sell and buy symbols per network, asks each
// network for its best quote and returns the successful networks sorted by
// best output, highest first.
func (c *Comparator) CompareAcrossNetworks(ctx context.Context, sellSymbol, buySymbol string, sellAmount *big.Int) ([]NetworkQuote, error) {
	if sellAmount == nil || sellAmount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sell amount must be a non-negative integer")
	}
	sellRef, buyRef := chain.ParseAssetRef(sellSymbol), chain.ParseAssetRef(buySymbol)
	if sellRef.IsZero() || buyRef.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sell and buy symbols are required")
	}

	networks := c.registry.Networks()
	rows := make([]*NetworkQuote, len(networks))
	var wg sync.WaitGroup
	for i, id := range networks {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			row, err := c.compareOne(ctx, id, sellRef, buyRef, sellAmount)
			if err != nil {
				c.logger.Debug("network omitted from comparison",
					slog.String("network", id),
					slog.String("code", string(xerrors.CodeOf(err))),
					slog.Any("error", err))
				return
			}
			rows[i] = row
		}(i, id)
	}
	wg.Wait()

	out := make([]NetworkQuote, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			out = append(out, *row)
		}
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeNoQuotesAvailable,
			fmt.Sprintf("no network produced a quote for %s -> %s", sellRef, buyRef))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Result.BestQuote.BuyAmount.Cmp(out[j].Result.BestQuote.BuyAmount) > 0
	})
	return out, nil
}

func (c *Comparator) compareOne(ctx context.Context, networkID string, sellRef, buyRef chain.AssetRef, amount *big.Int) (*NetworkQuote, error) {
	sell, err := c.registry.ResolveAssetAddress(sellRef, networkID)
	if err != nil {
		return nil, err
	}
	buy, err := c.registry.ResolveAssetAddress(buyRef, networkID)
	if err != nil {
		return nil, err
	}
	result, err := c.quotes.GetBestQuote(ctx, quote.Request{
		NetworkID:  networkID,
		SellAsset:  sell,
		BuyAsset:   buy,
		SellAmount: new(big.Int).Set(amount),
		Slippage:   c.slippage,
	})
	if err != nil {
		return nil, err
	}
	return &NetworkQuote{NetworkID: networkID, Result: result}, nil
}
