package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/kgenhq/kgen/internal/bundle"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
	"github.com/spf13/cobra"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Package already-attested artifacts into a bundle archive",
}

// GetBundleCmd returns the bundle command.
func GetBundleCmd() *cobra.Command {
	return bundleCmd
}

var bundleCreateCmd = &cobra.Command{
	Use:   "create <artifact>...",
	Short: "Package artifacts (and their existing sidecars) into a signed bundle",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBundleCreate,
}

var (
	bundleCreateIDFlag     string
	bundleCreateOutputFlag string
	bundleCreatePrivFlag   string
	bundleCreatePassFlag   string
	bundleCreateLedgerFlag string
	bundleCreateSignFlag   bool
)

func init() {
	bundleCreateCmd.Flags().StringVar(&bundleCreateIDFlag, "bundle-id", "", "Bundle identifier (defaults to a generated id)")
	bundleCreateCmd.Flags().StringVarP(&bundleCreateOutputFlag, "output", "o", "bundle.kgen.zip", "Output path for the bundle archive")
	bundleCreateCmd.Flags().StringVar(&bundleCreatePrivFlag, "private", defaultPrivateKeyPath, "Path to the signing private key")
	bundleCreateCmd.Flags().StringVar(&bundleCreatePassFlag, "passphrase", "", "Passphrase for the private key (or set KGEN_KEY_PASSPHRASE)")
	bundleCreateCmd.Flags().StringVar(&bundleCreateLedgerFlag, "ledger", envOrDefault("KGEN_INTEGRITY_DB", defaultLedgerPath), "Path to the project ledger")
	bundleCreateCmd.Flags().BoolVar(&bundleCreateSignFlag, "sign", true, "Sign the bundle manifest")
	bundleCmd.AddCommand(bundleCreateCmd)
}

func runBundleCreate(cmd *cobra.Command, args []string) error {
	var ks *keystore.KeyStore
	var h *keystore.KeypairHandle

	clock, hasClock := clockFromEnv()

	if bundleCreateSignFlag {
		passphrase := bundleCreatePassFlag
		if passphrase == "" {
			passphrase = os.Getenv("KGEN_KEY_PASSPHRASE")
		}
		ks = keystore.New()
		if hasClock {
			ks.TimeFunc = clock
		}
		var err error
		h, err = ks.LoadKeypair(bundleCreatePrivFlag, passphrase, false)
		if err != nil {
			return exitForCryptoError(err)
		}
	}

	var slice []models.Link
	if _, err := os.Stat(bundleCreateLedgerFlag); err == nil {
		l, err := ledger.Open(bundleCreateLedgerFlag, nil, nil, nil)
		if err != nil {
			return exitForIOError(err)
		}
		slice = l.Links()
	}

	bundleID := bundleCreateIDFlag
	if bundleID == "" {
		bundleID = fmt.Sprintf("bundle-%d", time.Now().UnixNano())
	}

	packager := bundle.New(ks, h)
	if hasClock {
		packager.TimeFunc = clock
	}
	result, err := packager.CreateBundle(models.BundleRequest{
		BundleID:      bundleID,
		ArtifactPaths: args,
		LedgerSlice:   slice,
		OutputPath:    bundleCreateOutputFlag,
		Sign:          bundleCreateSignFlag,
	})
	if err != nil {
		return exitForCryptoError(err)
	}

	fmt.Printf("%s✓ Bundle created: %s%s\n", colorGreen, result.OutputPath, colorReset)
	fmt.Printf("  bundleHash: %s\n", result.BundleHash)
	fmt.Printf("  manifestHash: %s\n", result.Manifest.Integrity.ManifestHash)
	return nil
}
