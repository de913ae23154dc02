package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vitos/futures_risk_engine/internal/config"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/storage"
	"github.com/vitos/futures_risk_engine/internal/usecase"
)

// Prints the trade ledger and the state a restart would rebuild from it.
func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ledger, err := storage.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		fmt.Printf("Failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer ledger.Close()

	ctx := context.Background()
	records, err := ledger.ReadAll(ctx)
	if err != nil {
		fmt.Printf("Failed to read ledger: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d records in %s:\n", len(records), cfg.Ledger.Path)
	for _, r := range records {
		pnl := "-"
		if r.PnL.Valid {
			pnl = r.PnL.Decimal.String()
		}
		fmt.Printf("- #%d %s %-11s %-4s %s order=%d qty=%s exec=%s status=%s pnl=%s\n",
			r.ID, r.Timestamp.Format(time.RFC3339), r.Action, r.Side, r.Symbol,
			r.OrderID, r.OrderQty, r.ExecPrice, r.Status, pnl)
	}

	st := usecase.ReplayLedger(records, cfg.Trading.ConsecutiveLosses, cfg.Trading.DisableTime, time.Now())
	if st.Position != nil {
		fmt.Printf("✅ Open position: %s %s qty=%s entry=%s since %s\n",
			st.Position.Symbol, st.Position.Side, st.Position.Quantity, st.Position.EntryPrice,
			st.Position.OpenedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("✅ Flat\n")
	}
	fmt.Printf("Consecutive losses: %d\n", st.Risk.ConsecutiveLosses)
	if st.Risk.Disabled {
		fmt.Printf("⚠️ Trading disabled until %s\n", st.Risk.DisabledUntil.Format(time.RFC3339))
	}
}
