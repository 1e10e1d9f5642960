package cli

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/kgenhq/kgen/internal/bundle"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/lockfile"
	"github.com/kgenhq/kgen/internal/reproduce"
	"github.com/kgenhq/kgen/internal/verifier"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a build, artifact, bundle, or lockfile",
	Long:  `Runs the appropriate verification pipeline against a target path and prints a Report as JSON.`,
}

// GetVerifyCmd returns the verify command with its build|artifact|bundle|lockfile subcommands registered.
func GetVerifyCmd() *cobra.Command {
	return verifyCmd
}

var (
	verifyTrustFlag  string
	verifyLedgerFlag string
	verifySuiteFlag  string
)

func init() {
	verifyCmd.PersistentFlags().StringVar(&verifyTrustFlag, "trust-store", envOrDefault("KGEN_TRUST_STORE", defaultTrustStorePath), "Path to the trust store")
	verifyCmd.PersistentFlags().StringVar(&verifyLedgerFlag, "ledger", envOrDefault("KGEN_INTEGRITY_DB", defaultLedgerPath), "Path to the project ledger")
	verifyCmd.PersistentFlags().StringVar(&verifySuiteFlag, "suite", string(keystore.Ed25519), "Signing suite used for chain/signature checks")

	verifyCmd.AddCommand(verifyArtifactCmd, verifyBuildCmd, verifyBundleCmd, verifyLockfileCmd)
}

func newVerifier() (*verifier.Verifier, error) {
	ks := keystore.New()
	trust, err := keystore.LoadTrustStore(verifyTrustFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust store: %w", err)
	}
	var l *ledger.Ledger
	if _, err := os.Stat(verifyLedgerFlag); err == nil {
		l, err = ledger.Open(verifyLedgerFlag, nil, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
	}
	return verifier.New(ks, trust, l), nil
}

func printReportAndExit(valid bool, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(data))
	if !valid {
		os.Exit(1)
	}
	return nil
}

var verifyArtifactCmd = &cobra.Command{
	Use:   "artifact <path>",
	Short: "Verify one or more artifacts against their sidecars",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newVerifier()
		if err != nil {
			return exitForIOError(err)
		}
		reports := v.VerifyBatch(args)
		allValid := true
		for _, r := range reports {
			if !r.Valid {
				allValid = false
			}
		}
		return printReportAndExit(allValid, reports)
	},
}

var verifyBuildCmd = &cobra.Command{
	Use:   "build <artifact>",
	Short: "Re-verify that an already-produced artifact is still reproducible against its sidecar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newVerifier()
		if err != nil {
			return exitForIOError(err)
		}
		report := reproduce.VerifyArtifactReproducibility(v, args[0])
		return printReportAndExit(report.Valid, report)
	},
}

var (
	verifyBundleHashFlag   string
	verifyBundlePubFlag    string
	verifyLedgerPubFlag    string
)

func init() {
	verifyBundleCmd.Flags().StringVar(&verifyBundleHashFlag, "expect-hash", "", "Expected bundleHash; compared against the archive's recomputed hash")
	verifyBundleCmd.Flags().StringVar(&verifyBundlePubFlag, "bundle-public-key", envOrDefault("KGEN_PUBLIC_KEY_PATH", ""), "Path to the bundle signer's public key PEM (optional; defaults to KGEN_PUBLIC_KEY_PATH)")
	verifyBundleCmd.Flags().StringVar(&verifyLedgerPubFlag, "ledger-public-key", envOrDefault("KGEN_PUBLIC_KEY_PATH", ""), "Path to the ledger signer's public key PEM (optional; defaults to KGEN_PUBLIC_KEY_PATH)")
}

var verifyBundleCmd = &cobra.Command{
	Use:   "bundle <path>",
	Short: "Verify a bundle archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newVerifier()
		if err != nil {
			return exitForIOError(err)
		}
		ledgerPub, err := loadPublicKeyPEM(verifyLedgerPubFlag)
		if err != nil {
			return exitForIOError(err)
		}
		bundlePub, err := loadPublicKeyPEM(verifyBundlePubFlag)
		if err != nil {
			return exitForIOError(err)
		}
		packager := bundle.New(nil, nil)
		report, err := packager.VerifyBundle(args[0], verifyBundleHashFlag, v, keystore.Suite(verifySuiteFlag), ledgerPub, bundlePub)
		if err != nil {
			return exitForIOError(err)
		}
		return printReportAndExit(report.Valid, report)
	},
}

var verifyLockfileCmd = &cobra.Command{
	Use:   "lockfile <lockfile.json> <context.json>",
	Short: "Validate a lockfile against a fresh project descriptor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		existing, err := lockfile.Load(args[0])
		if err != nil {
			return exitForIOError(err)
		}
		projectCtx, err := loadProjectContext(args[1])
		if err != nil {
			return exitForIOError(err)
		}
		gen := lockfile.New()
		if clock, ok := clockFromEnv(); ok {
			gen.TimeFunc = clock
		}
		validation, err := gen.Validate(existing, projectCtx)
		if err != nil {
			return exitForLockfileError(err)
		}
		return printReportAndExit(validation.Valid, validation)
	},
}

// loadPublicKeyPEM decodes a PEM-encoded public key file's raw body.
// An empty path returns nil, nil: public-key checks are then skipped
// rather than treated as an error.
func loadPublicKeyPEM(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: failed to decode PEM block", path)
	}
	return block.Bytes, nil
}
