package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAssetAddress is the placeholder address venues use for the network's
// native unit.
var NativeAssetAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// AssetKind tags the variant held by an AssetRef.
type AssetKind uint8

const (
	AssetKindSymbol AssetKind = iota + 1
	AssetKindAddress
)

// AssetRef names an asset either by ticker symbol or by contract address.
// It is resolved once, at the boundary, into a canonical address.
type AssetRef struct {
	kind    AssetKind
	symbol  string
	address common.Address
}

// Symbol builds a symbol reference.
func Symbol(symbol string) AssetRef {
	return AssetRef{kind: AssetKindSymbol, symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// Address builds an address reference.
func Address(address common.Address) AssetRef {
	return AssetRef{kind: AssetKindAddress, address: address}
}

// ParseAssetRef treats 0x-prefixed 20 byte hex strings as addresses and
// everything else as a symbol.
func ParseAssetRef(raw string) AssetRef {
	raw = strings.TrimSpace(raw)
	if common.IsHexAddress(raw) && strings.HasPrefix(strings.ToLower(raw), "0x") {
		return Address(common.HexToAddress(raw))
	}
	return Symbol(raw)
}

// Kind reports which variant is set. The zero value reports 0.
func (a AssetRef) Kind() AssetKind { return a.kind }

// IsZero reports whether the reference is unset.
func (a AssetRef) IsZero() bool {
	switch a.kind {
	case AssetKindSymbol:
		return a.symbol == ""
	case AssetKindAddress:
		return false
	default:
		return true
	}
}

func (a AssetRef) String() string {
	if a.kind == AssetKindAddress {
		return a.address.Hex()
	}
	return a.symbol
}
