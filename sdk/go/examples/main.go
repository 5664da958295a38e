package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMCP-Swap/sdk/go/swapmcp"
)

// 演示：创建会话、比较报价并撤销会话。设置 SWAPMCP_URL 指向运行中的 swapd。
func main() {
	baseURL := os.Getenv("SWAPMCP_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := swapmcp.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	networks, err := client.ListNetworks(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, n := range networks {
		fmt.Printf("network %s (chain %s, native %s)\n", n.NetworkID, n.ChainID, n.NativeUnitSymbol)
	}

	rows, err := client.CompareNetworks(ctx, "ETH", "USDC", "1000000000000000000")
	if err != nil {
		log.Fatal(err)
	}
	for _, row := range rows {
		fmt.Printf("%s: %s via %s\n", row.NetworkID, row.Result.BestQuote.BuyAmount, row.Result.RecommendedVenue)
	}

	sess, err := client.CreateSession(ctx, "", []string{"ethereum"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("session %s wallet %s\n", sess.SessionID, sess.Address)

	revoked, err := client.RevokeSession(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("revoked=%v\n", revoked)
}
