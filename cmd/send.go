package cmd

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/gas"
	"github.com/crosnoe/evmsniper/internal/nonce"
	"github.com/crosnoe/evmsniper/internal/pipeline"
	"github.com/crosnoe/evmsniper/internal/pool"
	"github.com/crosnoe/evmsniper/internal/retry"
)

var (
	sendChain  string
	sendWallet string
	sendTo     string
	sendValue  string
	sendData   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a raw transaction through the pipeline",
	Long: `Low-level escape hatch: builds, signs and submits an arbitrary
transaction with automatic nonce, fee and retry handling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := resolveChain(sendChain)
		value := big.NewInt(0)
		if sendValue != "" {
			v, ok := new(big.Int).SetString(sendValue, 10)
			if !ok {
				return fmt.Errorf("bad value %q (wei expected)", sendValue)
			}
			value = v
		}

		store := openStore()
		p, err := pool.New(cc.ChainID, cc.RPCURLs, cc.BackupRPCURLs, cfg.Pool)
		if err != nil {
			return err
		}
		policy := retry.NewPolicy(cfg.Retry)
		ad := adapter.NewEVM(cc, p, policy)
		reg := adapter.NewAdapterRegistry()
		reg.Register(cc.Name, ad)

		nm := nonce.NewManager(singleChainReader{ad}, time.Duration(cfg.Nonce.CacheSeconds)*time.Second)
		fees := map[uint64]pipeline.Fees{
			cc.ChainID: gas.New(cc, ad, time.Duration(cfg.Gas.GasCacheSeconds)*time.Second),
		}
		pipe := pipeline.New(reg, nm, store, fees, policy, cfg.Pipeline)

		ctx, cancel := context.WithTimeout(cmd.Context(), config.RetryWallClockCap)
		defer cancel()

		res, err := pipe.Send(ctx, &pipeline.Request{
			ChainID: cc.ChainID,
			From:    sendWallet,
			To:      sendTo,
			Value:   value,
			Data:    sendData,
		})
		if err != nil {
			return err
		}
		status := "pending"
		if res.Receipt != nil {
			status = "failed"
			if res.Receipt.Success() {
				status = "success"
			}
		}
		fmt.Printf("tx %s: %s (nonce %d)\n", res.TxHash, status, res.Nonce)
		return nil
	},
}

// singleChainReader adapts one adapter into the nonce manager's Reader.
type singleChainReader struct {
	ad *adapter.EVMAdapter
}

func (r singleChainReader) PendingNonceAt(ctx context.Context, _ uint64, address string) (uint64, error) {
	return r.ad.GetTransactionCount(ctx, address, "pending")
}

func init() {
	sendCmd.Flags().StringVar(&sendChain, "chain", "ethereum", "chain name or id")
	sendCmd.Flags().StringVar(&sendWallet, "wallet", "", "sending wallet address")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient address")
	sendCmd.Flags().StringVar(&sendValue, "value", "", "value in wei")
	sendCmd.Flags().StringVar(&sendData, "data", "", "0x-hex calldata")
	sendCmd.MarkFlagRequired("wallet")
	sendCmd.MarkFlagRequired("to")
}
