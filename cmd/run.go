package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/crosnoe/evmsniper/internal/config"
)

var runMetricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sniping engine",
	Long: `Starts pool health loops and mempool watchers on every configured
chain and drives the analyze-decide-trade loop until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := buildEngine()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Watchdog: exit hard when every chain's pool has failed.
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if eng.ChainsLost() {
						fmt.Fprintln(os.Stderr, "all chains unreachable beyond grace window")
						os.Exit(config.ExitChainLost)
					}
				}
			}
		}()

		if runMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(eng.MetricsRegistry(), promhttp.HandlerOpts{}))
			go func() {
				if err := http.ListenAndServe(runMetricsAddr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
				}
			}()
		}

		fmt.Println("engine running; ^C to stop")
		eng.Run(ctx)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", ":9090", "address for the Prometheus /metrics endpoint (empty to disable)")
}
