package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/quote"
)

const routerV2ABI = `[
 {"name":"getAmountsOut","type":"function","stateMutability":"view",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
  "inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var routerV2 = mustParseABI(routerV2ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse router abi: %v", err))
	}
	return parsed
}

const (
	// uniswapV2FeeBps is the pool fee charged on every hop.
	uniswapV2FeeBps = 30
	// uniswapV2GasEstimate is a typical two-token swap through the router.
	uniswapV2GasEstimate = 150_000
	// probeDivisor sizes the reference trade used to derive price impact.
	probeDivisor = 1000
)

// CallerSource hands out read-only contract access per network.
type CallerSource interface {
	ContractCaller(networkID string) (gethcore.ContractCaller, error)
}

// UniswapV2Config describes a constant-product router venue.
type UniswapV2Config struct {
	Name string
	// Routers maps network id to router address. Networks may instead
	// declare a contract named after the venue.
	Routers  map[string]common.Address
	FeeBps   uint32
	QuoteTTL time.Duration
}

// UniswapV2Adapter prices swaps by reading getAmountsOut from a V2 router.
type UniswapV2Adapter struct {
	name    string
	routers map[string]common.Address
	feeBps  uint32
	ttl     time.Duration
	callers CallerSource
	now     func() time.Time
}

// NewUniswapV2Adapter builds the adapter.
func NewUniswapV2Adapter(cfg UniswapV2Config, callers CallerSource) (*UniswapV2Adapter, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("venue name is required")
	}
	if callers == nil {
		return nil, fmt.Errorf("venue %s: chain access is required", name)
	}
	routers := make(map[string]common.Address, len(cfg.Routers))
	for id, addr := range cfg.Routers {
		routers[strings.ToLower(id)] = addr
	}
	fee := cfg.FeeBps
	if fee == 0 {
		fee = uniswapV2FeeBps
	}
	ttl := cfg.QuoteTTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &UniswapV2Adapter{
		name:    name,
		routers: routers,
		feeBps:  fee,
		ttl:     ttl,
		callers: callers,
		now:     time.Now,
	}, nil
}

// Venue returns the venue id.
func (a *UniswapV2Adapter) Venue() string { return a.name }

// Supports reports whether a router is configured for networkID. Without an
// explicit router table the venue defers to the network's contract list.
func (a *UniswapV2Adapter) Supports(networkID string) bool {
	if len(a.routers) == 0 {
		return true
	}
	_, ok := a.routers[strings.ToLower(networkID)]
	return ok
}

func (a *UniswapV2Adapter) router(network chain.Network) (common.Address, bool) {
	if addr, ok := a.routers[network.ID]; ok {
		return addr, true
	}
	return network.Contract(a.name)
}

// GetQuote reads the router's output amount for the pair.
func (a *UniswapV2Adapter) GetQuote(ctx context.Context, network chain.Network, req quote.Request) (*quote.Quote, error) {
	router, ok := a.router(network)
	if !ok {
		return nil, quote.Unsupported(a.name, network.ID)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	path, err := a.path(network, req)
	if err != nil {
		return nil, err
	}
	caller, err := a.callers.ContractCaller(network.ID)
	if err != nil {
		return nil, quote.Unsupported(a.name, network.ID)
	}

	buyAmount, err := a.amountOut(ctx, caller, router, req.SellAmount, path)
	if err != nil {
		return nil, err
	}
	if buyAmount.Sign() <= 0 {
		return nil, quote.NoLiquidity(a.name, "router returned no output amount")
	}

	impact := a.priceImpact(ctx, caller, router, req.SellAmount, buyAmount, path)
	now := a.now()
	validUntil := now.Add(a.ttl)
	minBuy := quote.MinBuyAmount(buyAmount, req.Slippage)

	q := &quote.Quote{
		VenueID:        a.name,
		NetworkID:      network.ID,
		SellAsset:      req.SellAsset,
		BuyAsset:       req.BuyAsset,
		SellAmount:     new(big.Int).Set(req.SellAmount),
		BuyAmount:      buyAmount,
		MinBuyAmount:   minBuy,
		PriceImpactBps: impact,
		FeeBps:         a.feeBps * uint32(len(path)-1),
		GasEstimate:    uniswapV2GasEstimate,
		Route:          []quote.RouteStep{{Protocol: "uniswap_v2", Percent: 100, Pool: router}},
		ValidUntil:     validUntil,
	}
	if req.Recipient != (common.Address{}) {
		tx, err := a.buildTransaction(router, req, path, minBuy, validUntil)
		if err != nil {
			return nil, err
		}
		q.Transaction = tx
	}
	return q, nil
}

// path substitutes the wrapped native token for the native placeholder.
func (a *UniswapV2Adapter) path(network chain.Network, req quote.Request) ([]common.Address, error) {
	wrapped, hasWrapped := network.Tokens["W"+network.NativeSymbol]
	resolve := func(addr common.Address) (common.Address, error) {
		if addr != chain.NativeAssetAddress {
			return addr, nil
		}
		if !hasWrapped {
			return common.Address{}, quote.NoLiquidity(a.name, "wrapped native token is not configured")
		}
		return wrapped, nil
	}
	sell, err := resolve(req.SellAsset)
	if err != nil {
		return nil, err
	}
	buy, err := resolve(req.BuyAsset)
	if err != nil {
		return nil, err
	}
	if sell == buy {
		return nil, quote.NoLiquidity(a.name, "wrapping is not a swap")
	}
	if hasWrapped && sell != wrapped && buy != wrapped {
		return []common.Address{sell, wrapped, buy}, nil
	}
	return []common.Address{sell, buy}, nil
}

func (a *UniswapV2Adapter) amountOut(ctx context.Context, caller gethcore.ContractCaller, router common.Address, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := routerV2.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack getAmountsOut")
	}
	raw, err := caller.CallContract(ctx, gethcore.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		if quote.IsDeadline(err) || ctx.Err() != nil {
			return nil, quote.Timeout(a.name, err)
		}
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return nil, quote.NoLiquidity(a.name, "router reverted: no pool for path")
		}
		return nil, quote.Timeout(a.name, err)
	}
	out, err := routerV2.Unpack("getAmountsOut", raw)
	if err != nil || len(out) == 0 {
		return nil, quote.NoLiquidity(a.name, "router returned an empty result")
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, quote.NoLiquidity(a.name, "router returned an empty result")
	}
	return amounts[len(amounts)-1], nil
}

// priceImpact compares the execution rate with a small reference trade.
// Failures of the probe leave the impact at zero.
func (a *UniswapV2Adapter) priceImpact(ctx context.Context, caller gethcore.ContractCaller, router common.Address, amountIn, amountOut *big.Int, path []common.Address) uint32 {
	probeIn := new(big.Int).Div(amountIn, big.NewInt(probeDivisor))
	if probeIn.Sign() <= 0 {
		return 0
	}
	probeOut, err := a.amountOut(ctx, caller, router, probeIn, path)
	if err != nil || probeOut.Sign() <= 0 {
		return 0
	}
	spot := decimal.NewFromBigInt(probeOut, 0).Div(decimal.NewFromBigInt(probeIn, 0))
	exec := decimal.NewFromBigInt(amountOut, 0).Div(decimal.NewFromBigInt(amountIn, 0))
	if !spot.IsPositive() || exec.GreaterThanOrEqual(spot) {
		return 0
	}
	bps := decimal.NewFromInt(1).Sub(exec.Div(spot)).Mul(decimal.NewFromInt(10_000)).Round(0)
	return uint32(bps.IntPart())
}

func (a *UniswapV2Adapter) buildTransaction(router common.Address, req quote.Request, path []common.Address, minBuy *big.Int, validUntil time.Time) (*quote.Transaction, error) {
	deadline := big.NewInt(validUntil.Unix())
	var (
		data  []byte
		err   error
		value = new(big.Int)
	)
	switch {
	case req.SellAsset == chain.NativeAssetAddress:
		data, err = routerV2.Pack("swapExactETHForTokens", minBuy, path, req.Recipient, deadline)
		value.Set(req.SellAmount)
	case req.BuyAsset == chain.NativeAssetAddress:
		data, err = routerV2.Pack("swapExactTokensForETH", req.SellAmount, minBuy, path, req.Recipient, deadline)
	default:
		data, err = routerV2.Pack("swapExactTokensForTokens", req.SellAmount, minBuy, path, req.Recipient, deadline)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack router swap")
	}
	return &quote.Transaction{Venue: a.name, To: router, Data: data, Value: value}, nil
}
