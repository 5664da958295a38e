// Package venue contains the concrete quote adapters: REST aggregators and
// on-chain constant-product routers.
package venue

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/internal/quote"
)

const (
	KindHTTP      = "http"
	KindUniswapV2 = "uniswap_v2"
)

// Build turns venue configuration into adapters.
func Build(cfgs []config.VenueConfig, callers CallerSource, logger *slog.Logger) ([]quote.Adapter, error) {
	adapters := make([]quote.Adapter, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		name := strings.TrimSpace(cfg.Name)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate venue %q", name)
		}
		seen[name] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
		case KindHTTP, "":
			adapter, err := NewHTTPAdapter(HTTPConfig{
				Name:            name,
				BaseURL:         cfg.BaseURL,
				APIKey:          cfg.APIKey,
				Networks:        cfg.Networks,
				RateLimitPerSec: cfg.RateLimitPerSec,
				QuoteTTL:        cfg.QuoteTTL,
			}, logger)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		case KindUniswapV2:
			routers := make(map[string]common.Address, len(cfg.Routers))
			for network, raw := range cfg.Routers {
				if !common.IsHexAddress(raw) {
					return nil, fmt.Errorf("venue %s: invalid router address %q for %s", name, raw, network)
				}
				routers[network] = common.HexToAddress(raw)
			}
			adapter, err := NewUniswapV2Adapter(UniswapV2Config{
				Name:     name,
				Routers:  routers,
				FeeBps:   cfg.FeeBps,
				QuoteTTL: cfg.QuoteTTL,
			}, callers)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		default:
			return nil, fmt.Errorf("venue %s: unsupported kind %q", name, cfg.Kind)
		}
	}
	return adapters, nil
}
