package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"OpenMCP-Swap/internal/chain"
	"OpenMCP-Swap/internal/comparator"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/executor"
	"OpenMCP-Swap/internal/quote"
)

const maxBodyBytes = 1 << 20

// tool 是一个可通过 POST /api/v1/tools/{name} 调用的操作。
type tool struct {
	requiresSession bool
	// bearerOnly 只要求携带令牌，令牌本身交给处理函数校验。
	bearerOnly bool
	handle     func(ctx context.Context, params json.RawMessage) (any, error)
}

func (s *Server) registerTools() map[string]tool {
	return map[string]tool{
		"list_networks":    {handle: s.listNetworks},
		"network_status":   {handle: s.networkStatus},
		"get_quote":        {handle: s.getQuote},
		"compare_networks": {handle: s.compareNetworks},
		"create_session":   {handle: s.createSession},
		"revoke_session":   {bearerOnly: true, handle: s.revokeSession},
		"execute_swap":     {requiresSession: true, handle: s.executeSwap},
		"export_key":       {requiresSession: true, handle: s.exportKey},
		"list_executions":  {requiresSession: true, handle: s.listExecutions},
	}
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, ok := s.tools[name]
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown tool %q", name)))
		return
	}
	switch {
	case t.requiresSession:
		authed, ok := s.authenticate(w, r, name)
		if !ok {
			return
		}
		r = authed
	case t.bearerOnly:
		token := bearerToken(r)
		if token == "" {
			s.deny(w, r, name, "missing bearer token")
			return
		}
		r = r.WithContext(withSession(r.Context(), nil, token))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body"))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}

	data, err := t.handle(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, data)
}

func decodeParams(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid tool parameters")
	}
	return nil
}

func unavailable(component string) error {
	return xerrors.New(xerrors.CodeInitFailure, component+" is not configured")
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("sellAmount must be a non-negative integer, got %q", raw))
	}
	return amount, nil
}

func parseSlippage(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.RequireFromString(comparator.DefaultSlippage), nil
	}
	slip, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "slippage must be a decimal fraction")
	}
	return slip, nil
}

// networkView 是对外暴露的网络信息，不包含 RPC 地址。
type networkView struct {
	ID           string            `json:"networkId"`
	Type         string            `json:"type,omitempty"`
	ChainID      string            `json:"chainId,omitempty"`
	NativeSymbol string            `json:"nativeUnitSymbol"`
	GasPriceHint string            `json:"gasPriceHint,omitempty"`
	FeeTiers     []uint32          `json:"feeTiers,omitempty"`
	Tokens       map[string]string `json:"tokens,omitempty"`
	Description  string            `json:"description,omitempty"`
}

func viewOf(n chain.Network) networkView {
	v := networkView{
		ID:           n.ID,
		Type:         n.Type,
		NativeSymbol: n.NativeSymbol,
		FeeTiers:     n.FeeTiers,
		Description:  n.Description,
	}
	if n.ChainID != nil {
		v.ChainID = n.ChainID.String()
	}
	if n.GasPriceHint != nil {
		v.GasPriceHint = n.GasPriceHint.String()
	}
	if len(n.Tokens) > 0 {
		v.Tokens = make(map[string]string, len(n.Tokens))
		for symbol, addr := range n.Tokens {
			v.Tokens[symbol] = addr.Hex()
		}
	}
	return v
}

func (s *Server) listNetworks(_ context.Context, _ json.RawMessage) (any, error) {
	if s.deps.Networks == nil {
		return nil, unavailable("chain registry")
	}
	ids := s.deps.Networks.Networks()
	views := make([]networkView, 0, len(ids))
	for _, id := range ids {
		n, err := s.deps.Networks.GetNetworkConfig(id)
		if err != nil {
			return nil, err
		}
		views = append(views, viewOf(n))
	}
	return views, nil
}

func (s *Server) networkStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	if s.deps.Chains == nil {
		return nil, unavailable("chain clients")
	}
	return s.deps.Chains.Snapshots(ctx), nil
}

type swapParams struct {
	NetworkID  string `json:"networkId"`
	SellAsset  string `json:"sellAsset"`
	BuyAsset   string `json:"buyAsset"`
	SellAmount string `json:"sellAmount"`
	Slippage   string `json:"slippage"`
}

func (s *Server) resolveSwap(raw json.RawMessage) (quote.Request, error) {
	var p swapParams
	if err := decodeParams(raw, &p); err != nil {
		return quote.Request{}, err
	}
	if s.deps.Networks == nil {
		return quote.Request{}, unavailable("chain registry")
	}
	network, err := s.deps.Networks.GetNetworkConfig(p.NetworkID)
	if err != nil {
		return quote.Request{}, err
	}
	sellRef, buyRef := chain.ParseAssetRef(p.SellAsset), chain.ParseAssetRef(p.BuyAsset)
	if sellRef.IsZero() || buyRef.IsZero() {
		return quote.Request{}, xerrors.New(xerrors.CodeInvalidArgument, "sellAsset and buyAsset are required")
	}
	sell, err := s.deps.Networks.ResolveAssetAddress(sellRef, network.ID)
	if err != nil {
		return quote.Request{}, err
	}
	buy, err := s.deps.Networks.ResolveAssetAddress(buyRef, network.ID)
	if err != nil {
		return quote.Request{}, err
	}
	amount, err := parseAmount(p.SellAmount)
	if err != nil {
		return quote.Request{}, err
	}
	slip, err := parseSlippage(p.Slippage)
	if err != nil {
		return quote.Request{}, err
	}
	req := quote.Request{NetworkID: network.ID, SellAsset: sell, BuyAsset: buy, SellAmount: amount, Slippage: slip}
	return req, req.Validate()
}

func (s *Server) getQuote(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.deps.Quotes == nil {
		return nil, unavailable("quote aggregator")
	}
	req, err := s.resolveSwap(raw)
	if err != nil {
		return nil, err
	}
	return s.deps.Quotes.GetBestQuote(ctx, req)
}

func (s *Server) compareNetworks(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.deps.Comparator == nil {
		return nil, unavailable("comparator")
	}
	var p struct {
		SellSymbol string `json:"sellSymbol"`
		BuySymbol  string `json:"buySymbol"`
		SellAmount string `json:"sellAmount"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.SellAmount)
	if err != nil {
		return nil, err
	}
	return s.deps.Comparator.CompareAcrossNetworks(ctx, p.SellSymbol, p.BuySymbol, amount)
}

func (s *Server) createSession(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.deps.Sessions == nil {
		return nil, unavailable("session manager")
	}
	var p struct {
		UserID     string   `json:"userId"`
		NetworkIDs []string `json:"networkIds"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Sessions.CreateSession(ctx, p.UserID, p.NetworkIDs)
}

// revokeSession 不经过 ResolveSession，已过期但签名有效的令牌同样可以撤销。
func (s *Server) revokeSession(ctx context.Context, _ json.RawMessage) (any, error) {
	if s.deps.Sessions == nil {
		return nil, unavailable("session manager")
	}
	return map[string]bool{"revoked": s.deps.Sessions.RevokeSession(ctx, bearerFromContext(ctx))}, nil
}

func (s *Server) executeSwap(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.deps.Executor == nil {
		return nil, unavailable("executor")
	}
	auth, _ := sessionFromContext(ctx)
	req, err := s.resolveSwap(raw)
	if err != nil {
		return nil, err
	}
	return s.deps.Executor.Execute(ctx, executor.Request{
		Token:      auth.token,
		NetworkID:  req.NetworkID,
		SellAsset:  req.SellAsset,
		BuyAsset:   req.BuyAsset,
		SellAmount: req.SellAmount,
		Slippage:   req.Slippage,
	})
}

func (s *Server) exportKey(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ExportCode string `json:"exportCode"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	auth, _ := sessionFromContext(ctx)
	key, err := s.deps.Sessions.ExportKey(ctx, auth.token, p.ExportCode)
	if err != nil {
		return nil, err
	}
	return map[string]string{"address": auth.session.Address.Hex(), "privateKey": key}, nil
}

func (s *Server) listExecutions(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.deps.History == nil {
		return nil, unavailable("execution history")
	}
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	auth, _ := sessionFromContext(ctx)
	records, err := s.deps.History.ListByUser(ctx, auth.session.UserID, p.Limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list executions")
	}
	return records, nil
}
