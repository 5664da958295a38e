package provider

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/internal/web3/ethereum"
)

func TestStaticRegistryLookup(t *testing.T) {
	sim := backends.NewSimulatedBackend(core.GenesisAlloc{
		common.HexToAddress("0x01"): {Balance: big.NewInt(1)},
	}, 8_000_000)
	client := ethereum.NewSimulatedClient("devnet", sim)
	reg := NewStaticRegistry(map[string]web3.Client{"DevNet": client})
	t.Cleanup(reg.Close)

	got, err := reg.Client("devnet")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if got.Name() != "devnet" {
		t.Fatalf("unexpected client %s", got.Name())
	}
	if _, err := reg.ContractCaller("devnet"); err != nil {
		t.Fatalf("contract caller: %v", err)
	}

	if _, err := reg.Client("mainnet"); !xerrors.HasCode(err, xerrors.CodeUnsupported) {
		t.Fatalf("expected UNSUPPORTED, got %v", err)
	}

	snapshots := reg.Snapshots(context.Background())
	if res, ok := snapshots["devnet"]; !ok || res.Error != "" || res.Snapshot.ChainID == "" {
		t.Fatalf("unexpected snapshots %+v", snapshots)
	}
}

func TestNewRegistrySkipsNetworksWithoutRPC(t *testing.T) {
	defs, err := chain.ParseDefinitions([]byte("networks:\n  offline:\n    chain_id: 10\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	networks, err := chain.NewRegistry(defs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	reg, err := NewRegistry(context.Background(), networks)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if len(reg.Networks()) != 0 {
		t.Fatalf("expected no clients, got %v", reg.Networks())
	}
}
