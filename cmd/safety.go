package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	safetyChain string
	safetyJSON  bool
)

var safetyCmd = &cobra.Command{
	Use:   "safety <token-address>",
	Short: "Analyze a token for scam and rug-pull risk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := resolveChain(safetyChain)
		eng := buildEngine()
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		analysis, err := eng.GetTokenSafety(ctx, cc.ChainID, args[0])
		if err != nil {
			return err
		}

		if safetyJSON {
			out, err := json.MarshalIndent(analysis, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("%s (%s) on %s\n", analysis.Name, analysis.Symbol, cc.Name)
		fmt.Printf("safety: %s  risk score: %d/100\n", analysis.Safety, analysis.RiskScore)
		if analysis.SellFeePct >= 0 {
			fmt.Printf("measured sell fee: %.1f%%\n", analysis.SellFeePct)
		}
		if analysis.LiquidityUSD >= 0 {
			fmt.Printf("pool liquidity: $%.0f\n", analysis.LiquidityUSD)
		}
		for _, iss := range analysis.Issues {
			fmt.Printf("  [%-8s] %s: %s\n", iss.Severity, iss.Type, iss.Description)
		}
		return nil
	},
}

func init() {
	safetyCmd.Flags().StringVar(&safetyChain, "chain", "bsc", "chain name or id")
	safetyCmd.Flags().BoolVar(&safetyJSON, "json", false, "emit the full analysis as JSON")
}
