package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-chain RPC endpoint health",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := buildEngine()
		for chainID, infos := range eng.GetRPCHealth() {
			fmt.Printf("chain %d:\n", chainID)
			for _, info := range infos {
				line := fmt.Sprintf("  %-50s %-9s fails=%d req=%d",
					info.URL, info.Status, info.ConsecutiveFailures, info.Requests)
				if !info.OpenedUntil.IsZero() && info.OpenedUntil.After(time.Now()) {
					line += fmt.Sprintf(" breaker-open-until=%s", info.OpenedUntil.Format(time.TimeOnly))
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}
