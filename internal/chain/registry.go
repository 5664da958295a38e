package chain

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Swap/internal/errors"
)

// Network is the immutable metadata of one supported chain.
type Network struct {
	ID           string
	Type         string
	ChainID      *big.Int
	RPCURL       string
	NativeSymbol string
	GasPriceHint *big.Int
	FeeTiers     []uint32
	Contracts    map[string]common.Address
	Tokens       map[string]common.Address
	Description  string
}

// Contract returns a named contract address, e.g. a venue router.
func (n Network) Contract(name string) (common.Address, bool) {
	addr, ok := n.Contracts[strings.ToLower(name)]
	return addr, ok
}

func (n Network) clone() Network {
	out := n
	if n.ChainID != nil {
		out.ChainID = new(big.Int).Set(n.ChainID)
	}
	if n.GasPriceHint != nil {
		out.GasPriceHint = new(big.Int).Set(n.GasPriceHint)
	}
	out.FeeTiers = append([]uint32(nil), n.FeeTiers...)
	out.Contracts = make(map[string]common.Address, len(n.Contracts))
	for k, v := range n.Contracts {
		out.Contracts[k] = v
	}
	out.Tokens = make(map[string]common.Address, len(n.Tokens))
	for k, v := range n.Tokens {
		out.Tokens[k] = v
	}
	return out
}

// Registry is a read-only lookup of networks keyed by network id. It is built
// once at startup and safe for concurrent use.
type Registry struct {
	networks map[string]Network
}

// LoadRegistry reads the definitions file and builds a registry.
func LoadRegistry(path string) (*Registry, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs)
}

// NewRegistry validates definitions and builds the registry.
func NewRegistry(defs Definitions) (*Registry, error) {
	networks := make(map[string]Network, len(defs.Networks))
	for rawID, def := range defs.Networks {
		id := normalizeID(rawID)
		if id == "" {
			return nil, fmt.Errorf("network id cannot be empty")
		}
		network, err := buildNetwork(id, def)
		if err != nil {
			return nil, err
		}
		networks[id] = network
	}
	if len(networks) == 0 {
		return nil, fmt.Errorf("未配置任何网络")
	}
	return &Registry{networks: networks}, nil
}

func buildNetwork(id string, def Definition) (Network, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType == "" {
		chainType = "evm"
	}
	if chainType != "evm" {
		return Network{}, fmt.Errorf("网络 %s 使用了不支持的类型 %s", id, def.Type)
	}
	if def.ChainID == 0 {
		return Network{}, fmt.Errorf("网络 %s 缺少 chain_id", id)
	}
	native := strings.ToUpper(strings.TrimSpace(def.NativeSymbol))
	if native == "" {
		native = "ETH"
	}

	gasHint := new(big.Int)
	if raw := strings.TrimSpace(def.GasPriceHint); raw != "" {
		if _, ok := gasHint.SetString(raw, 10); !ok || gasHint.Sign() < 0 {
			return Network{}, fmt.Errorf("网络 %s 的 gas_price_hint 无效: %q", id, raw)
		}
	}

	contracts := make(map[string]common.Address, len(def.Contracts))
	for name, raw := range def.Contracts {
		if !common.IsHexAddress(raw) {
			return Network{}, fmt.Errorf("网络 %s 合约 %s 地址无效: %q", id, name, raw)
		}
		contracts[strings.ToLower(name)] = common.HexToAddress(raw)
	}
	tokens := make(map[string]common.Address, len(def.Tokens))
	for symbol, raw := range def.Tokens {
		if !common.IsHexAddress(raw) {
			return Network{}, fmt.Errorf("网络 %s 代币 %s 地址无效: %q", id, symbol, raw)
		}
		tokens[strings.ToUpper(symbol)] = common.HexToAddress(raw)
	}

	return Network{
		ID:           id,
		Type:         chainType,
		ChainID:      new(big.Int).SetUint64(def.ChainID),
		RPCURL:       strings.TrimSpace(def.RPCURL),
		NativeSymbol: native,
		GasPriceHint: gasHint,
		FeeTiers:     append([]uint32(nil), def.FeeTiers...),
		Contracts:    contracts,
		Tokens:       tokens,
		Description:  def.Description,
	}, nil
}

// GetNetworkConfig returns the network or an UNSUPPORTED error.
func (r *Registry) GetNetworkConfig(networkID string) (Network, error) {
	if r == nil {
		return Network{}, xerrors.New(xerrors.CodeInitFailure, "network registry not initialised")
	}
	network, ok := r.networks[normalizeID(networkID)]
	if !ok {
		return Network{}, xerrors.New(xerrors.CodeUnsupported, fmt.Sprintf("network %q is not supported", networkID),
			xerrors.WithMetadata("network", networkID))
	}
	return network.clone(), nil
}

// Networks returns the registered network ids in sorted order.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.networks))
	for id := range r.networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveAssetAddress turns an AssetRef into a canonical address on the given
// network. Address references pass through untouched.
func (r *Registry) ResolveAssetAddress(ref AssetRef, networkID string) (common.Address, error) {
	switch ref.Kind() {
	case AssetKindAddress:
		return ref.address, nil
	case AssetKindSymbol:
		if ref.symbol == "" {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "asset symbol is empty")
		}
	default:
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "asset reference is empty")
	}

	network, err := r.GetNetworkConfig(networkID)
	if err != nil {
		return common.Address{}, err
	}
	if ref.symbol == network.NativeSymbol {
		return NativeAssetAddress, nil
	}
	if addr, ok := network.Tokens[ref.symbol]; ok {
		return addr, nil
	}
	return common.Address{}, xerrors.New(xerrors.CodeUnsupported,
		fmt.Sprintf("asset %s is not listed on %s", ref.symbol, network.ID),
		xerrors.WithMetadata("network", network.ID), xerrors.WithMetadata("asset", ref.symbol))
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
