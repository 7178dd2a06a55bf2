package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	walletChain string
	walletName  string
	walletPath  string
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage encrypted wallets",
}

var walletCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		cc := resolveChain(walletChain)
		addr, err := store.CreateRandom(cc.ChainID, walletName)
		if err != nil {
			return err
		}
		fmt.Printf("created %s on %s\n", addr, cc.Name)
		return nil
	},
}

var walletImportCmd = &cobra.Command{
	Use:   "import <private-key-hex>",
	Short: "Import a private key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		cc := resolveChain(walletChain)
		addr, err := store.ImportPrivateKey(args[0], cc.ChainID, walletName)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s on %s\n", addr, cc.Name)
		return nil
	},
}

var walletMnemonicCmd = &cobra.Command{
	Use:   "import-mnemonic",
	Short: "Import a BIP-39 phrase (read from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "mnemonic: ")
		sc := bufio.NewScanner(os.Stdin)
		if !sc.Scan() {
			return fmt.Errorf("reading mnemonic: %w", sc.Err())
		}
		phrase := strings.TrimSpace(sc.Text())
		store := openStore()
		cc := resolveChain(walletChain)
		addr, err := store.ImportMnemonic(phrase, "", walletPath, cc.ChainID, walletName)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s on %s\n", addr, cc.Name)
		return nil
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets (addresses only, never keys)",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		views := store.List()
		if len(views) == 0 {
			fmt.Println("no wallets")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%-44s chain=%-8d %s\n", v.Address, v.ChainID, v.Name)
		}
		return nil
	},
}

var walletRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Erase a wallet record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

func init() {
	walletCmd.PersistentFlags().StringVar(&walletChain, "chain", "ethereum", "chain name or id")
	walletCmd.PersistentFlags().StringVar(&walletName, "name", "", "wallet label")
	walletMnemonicCmd.Flags().StringVar(&walletPath, "path", "", "derivation path (default m/44'/60'/0'/0/0)")

	walletCmd.AddCommand(walletCreateCmd, walletImportCmd, walletMnemonicCmd, walletListCmd, walletRemoveCmd)
}
