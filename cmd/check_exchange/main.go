package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vitos/futures_risk_engine/internal/config"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	symbol := cfg.Trading.Symbol
	if len(os.Args) > 1 {
		symbol = os.Args[1]
	}

	fmt.Printf("Testing Binance Futures Interaction...\n")
	fmt.Printf("Endpoint: %s (testnet=%v)\n", cfg.Exchange.RESTEndpoint, cfg.Exchange.Testnet)
	if len(cfg.Exchange.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	adapter := exchange.NewBinanceAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.Testnet, cfg.Exchange.RESTTimeout, zap.NewNop())
	ctx := context.Background()

	// 2. Check Public Endpoint (Price)
	price, err := adapter.TickerPrice(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %s\n", symbol, price)
	}

	// 3. Check Instrument Filters
	inst, err := adapter.GetInstrument(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get instrument: %v\n", err)
	} else {
		fmt.Printf("✅ Instrument (%s): MinQty=%s, Step=%s, Tick=%s\n",
			inst.Symbol, inst.MinQty, inst.StepSize, inst.TickSize)
	}

	// 4. Check Private Endpoint (Listen Key)
	key, err := adapter.NewListenKey(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get listen key: %v\n", err)
		return
	}
	fmt.Printf("✅ Listen key issued: %s...\n", key[:min(8, len(key))])
	if err := adapter.KeepaliveListenKey(ctx, key); err != nil {
		fmt.Printf("❌ Keepalive failed: %v\n", err)
	} else {
		fmt.Printf("✅ Keepalive accepted\n")
	}
}
