package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by network id.
type Registry struct {
	clients map[string]web3.Client
}

// NewRegistry dials a client for every network that declares an RPC URL.
// Networks without one can still be quoted through off-chain venues but
// cannot execute.
func NewRegistry(ctx context.Context, networks *chain.Registry) (*Registry, error) {
	clients := make(map[string]web3.Client)
	for _, id := range networks.Networks() {
		network, err := networks.GetNetworkConfig(id)
		if err != nil {
			return nil, err
		}
		if network.RPCURL == "" {
			continue
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   id,
			RPCURL: network.RPCURL,
			Notes:  network.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", id, err)
		}
		clients[id] = client
	}
	return &Registry{clients: clients}, nil
}

// NewStaticRegistry wraps pre-built clients, mainly for tests and simulated
// backends.
func NewStaticRegistry(clients map[string]web3.Client) *Registry {
	copied := make(map[string]web3.Client, len(clients))
	for id, client := range clients {
		copied[strings.ToLower(id)] = client
	}
	return &Registry{clients: copied}
}

// Client returns the chain client for networkID or an UNSUPPORTED error.
func (r *Registry) Client(networkID string) (web3.Client, error) {
	if r != nil {
		if client, ok := r.clients[strings.ToLower(networkID)]; ok {
			return client, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeUnsupported,
		fmt.Sprintf("network %s has no rpc endpoint configured", networkID),
		xerrors.WithMetadata("network", networkID))
}

// ContractCaller exposes read-only contract access for on-chain venues.
func (r *Registry) ContractCaller(networkID string) (gethcore.ContractCaller, error) {
	return r.Client(networkID)
}

// Snapshots collects a status snapshot from every client. Failures are
// reported per network instead of aborting the whole call.
func (r *Registry) Snapshots(ctx context.Context) map[string]SnapshotResult {
	out := make(map[string]SnapshotResult, len(r.Networks()))
	for _, id := range r.Networks() {
		snapshot, err := r.clients[id].FetchChainSnapshot(ctx)
		result := SnapshotResult{Snapshot: snapshot}
		if err != nil {
			result.Error = err.Error()
		}
		out[id] = result
	}
	return out
}

// SnapshotResult pairs a snapshot with its retrieval error.
type SnapshotResult struct {
	Snapshot web3.ChainSnapshot `json:"snapshot"`
	Error    string             `json:"error,omitempty"`
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
	r.clients = map[string]web3.Client{}
}

// Networks returns the list of network ids with a live client.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
