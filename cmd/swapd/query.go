package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"OpenMCP-Swap/internal/chain"
	"OpenMCP-Swap/internal/comparator"
	"OpenMCP-Swap/internal/quote"
)

func newNetworksCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			networks, err := chain.LoadRegistry(cfg.Chains.DefinitionsPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tCHAIN ID\tNATIVE\tTOKENS")
			for _, id := range networks.Networks() {
				n, err := networks.GetNetworkConfig(id)
				if err != nil {
					return err
				}
				chainID := "-"
				if n.ChainID != nil {
					chainID = n.ChainID.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.ID, chainID, n.NativeSymbol, len(n.Tokens))
			}
			return w.Flush()
		},
	}
}

type quoteFlags struct {
	network  string
	sell     string
	buy      string
	amount   string
	slippage string
}

func newQuoteCmd(flags *globalFlags) *cobra.Command {
	qf := &quoteFlags{}
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Fetch the best quote on one network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			q, err := buildQuoting(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			network, err := q.networks.GetNetworkConfig(qf.network)
			if err != nil {
				return err
			}
			sell, err := q.networks.ResolveAssetAddress(chain.ParseAssetRef(qf.sell), network.ID)
			if err != nil {
				return err
			}
			buy, err := q.networks.ResolveAssetAddress(chain.ParseAssetRef(qf.buy), network.ID)
			if err != nil {
				return err
			}
			amount, err := parseAmount(qf.amount)
			if err != nil {
				return err
			}
			slippage, err := decimal.NewFromString(qf.slippage)
			if err != nil {
				return fmt.Errorf("--slippage: %w", err)
			}
			result, err := q.aggregator.GetBestQuote(cmd.Context(), quote.Request{
				NetworkID:  network.ID,
				SellAsset:  sell,
				BuyAsset:   buy,
				SellAmount: amount,
				Slippage:   slippage,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&qf.network, "network", "", "network id")
	cmd.Flags().StringVar(&qf.sell, "sell", "", "asset to sell, symbol or 0x address")
	cmd.Flags().StringVar(&qf.buy, "buy", "", "asset to buy, symbol or 0x address")
	cmd.Flags().StringVar(&qf.amount, "amount", "", "sell amount in base units")
	cmd.Flags().StringVar(&qf.slippage, "slippage", comparator.DefaultSlippage, "slippage tolerance as a fraction")
	_ = cmd.MarkFlagRequired("network")
	_ = cmd.MarkFlagRequired("sell")
	_ = cmd.MarkFlagRequired("buy")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCompareCmd(flags *globalFlags) *cobra.Command {
	qf := &quoteFlags{}
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare the best quote for a symbol pair across every network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			q, err := buildQuoting(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			amount, err := parseAmount(qf.amount)
			if err != nil {
				return err
			}
			results, err := q.comparator.CompareAcrossNetworks(cmd.Context(), qf.sell, qf.buy, amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}
	cmd.Flags().StringVar(&qf.sell, "sell", "", "symbol to sell")
	cmd.Flags().StringVar(&qf.buy, "buy", "", "symbol to buy")
	cmd.Flags().StringVar(&qf.amount, "amount", "", "sell amount in base units")
	_ = cmd.MarkFlagRequired("sell")
	_ = cmd.MarkFlagRequired("buy")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("--amount must be a non-negative integer, got %q", raw)
	}
	return amount, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
