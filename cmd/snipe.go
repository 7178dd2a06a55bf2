package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/engine"
)

var (
	snipeChain    string
	snipeWallet   string
	snipeAmount   string
	snipeSlippage float64
	snipeTier     string
	snipeSell     bool
)

var snipeCmd = &cobra.Command{
	Use:   "snipe <token-address>",
	Short: "Buy (or sell) a token through the chain's router",
	Long: `Runs the token through the risk analyzer, refuses red tokens, then
submits the swap through the transaction pipeline with retry and
confirmation tracking.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := resolveChain(snipeChain)
		amount, ok := new(big.Int).SetString(snipeAmount, 10)
		if !ok {
			return fmt.Errorf("bad amount %q (wei expected)", snipeAmount)
		}

		eng := buildEngine()
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		side := engine.SideBuy
		if snipeSell {
			side = engine.SideSell
		}
		res, err := eng.SubmitTrade(ctx, &engine.TradeRequest{
			ChainID:  cc.ChainID,
			Token:    args[0],
			Side:     side,
			Amount:   amount,
			Slippage: snipeSlippage,
			Wallet:   snipeWallet,
			Tier:     snipeTier,
		})
		if err != nil {
			if chain.IsKind(err, chain.KindConnection) {
				fmt.Fprintf(os.Stderr, "chain connectivity lost: %v\n", err)
				os.Exit(config.ExitChainLost)
			}
			return err
		}

		fmt.Printf("tx %s: %s (nonce %d, %d attempt(s))\n", res.TxHash, res.Status, res.Nonce, res.Attempts)
		if cc.ExplorerTxURL != "" {
			fmt.Printf("  %s\n", fmt.Sprintf(cc.ExplorerTxURL, res.TxHash))
		}
		return nil
	},
}

func init() {
	snipeCmd.Flags().StringVar(&snipeChain, "chain", "bsc", "chain name or id")
	snipeCmd.Flags().StringVar(&snipeWallet, "wallet", "", "sending wallet address")
	snipeCmd.Flags().StringVar(&snipeAmount, "amount", "", "amount in wei (native for buys, token units for sells)")
	snipeCmd.Flags().Float64Var(&snipeSlippage, "slippage", 1.0, "max slippage percent")
	snipeCmd.Flags().StringVar(&snipeTier, "tier", "free", "subscription tier (free|premium|vip)")
	snipeCmd.Flags().BoolVar(&snipeSell, "sell", false, "sell instead of buy")
	snipeCmd.MarkFlagRequired("wallet")
	snipeCmd.MarkFlagRequired("amount")
}
