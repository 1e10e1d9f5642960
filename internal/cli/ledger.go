package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the project ledger",
}

// GetLedgerCmd returns the ledger command.
func GetLedgerCmd() *cobra.Command {
	return ledgerCmd
}

var ledgerPathFlag string

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerPathFlag, "path", envOrDefault("KGEN_INTEGRITY_DB", defaultLedgerPath), "Path to the ledger file")
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerVerifyCmd)
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the full ledger chain as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(ledgerPathFlag, nil, nil, nil)
		if err != nil {
			return exitForIOError(err)
		}
		data, err := json.MarshalIndent(l.Links(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode ledger: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var ledgerVerifySuiteFlag string
var ledgerVerifyPubFlag string

func init() {
	ledgerVerifyCmd.Flags().StringVar(&ledgerVerifySuiteFlag, "suite", string(keystore.Ed25519), "Signing suite used to verify link signatures")
	ledgerVerifyCmd.Flags().StringVar(&ledgerVerifyPubFlag, "public-key", envOrDefault("KGEN_PUBLIC_KEY_PATH", ""), "Path to the ledger signer's public key PEM (optional; defaults to KGEN_PUBLIC_KEY_PATH; skips signature checks if omitted)")
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain continuity (and, with --public-key, every link signature)",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(ledgerPathFlag, nil, nil, nil)
		if err != nil {
			return exitForIOError(err)
		}
		pub, err := loadPublicKeyPEM(ledgerVerifyPubFlag)
		if err != nil {
			return exitForIOError(err)
		}
		var ks *keystore.KeyStore
		if len(pub) > 0 {
			ks = keystore.New()
		}
		report := l.VerifyChain(ks, keystore.Suite(ledgerVerifySuiteFlag), pub)
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode chain report: %w", err)
		}
		fmt.Println(string(data))
		if report.TotalLinks > 0 && report.ValidLinks != report.TotalLinks {
			os.Exit(1)
		}
		return nil
	},
}
