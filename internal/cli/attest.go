package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kgenhq/kgen/internal/attestation"
	"github.com/kgenhq/kgen/internal/bundle"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
	"github.com/kgenhq/kgen/internal/observability/logging"
	"github.com/spf13/cobra"
)

const defaultLedgerPath = "ledger.json"

var attestCmd = &cobra.Command{
	Use:   "attest [artifact]...",
	Short: "Attest one or more artifacts and package them into a signed bundle",
	Long: `Builds a signed sidecar for every given artifact (C4), appends their
digests to the project ledger (C5), and packages artifacts, sidecars,
and the ledger slice into a deterministic, signed bundle archive (C9).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAttest,
}

var (
	attestBundleIDFlag    string
	attestOutputFlag      string
	attestPrivateFlag     string
	attestPassphraseFlag  string
	attestLedgerFlag      string
	attestEngineNameFlag  string
	attestEngineVerFlag   string
	attestOperationIDFlag string
)

func init() {
	attestCmd.Flags().StringVar(&attestBundleIDFlag, "bundle-id", "", "Bundle identifier (defaults to a generated UUID)")
	attestCmd.Flags().StringVarP(&attestOutputFlag, "output", "o", "bundle.kgen.zip", "Output path for the bundle archive")
	attestCmd.Flags().StringVar(&attestPrivateFlag, "private", defaultPrivateKeyPath, "Path to the signing private key")
	attestCmd.Flags().StringVar(&attestPassphraseFlag, "passphrase", "", "Passphrase for the private key (or set KGEN_KEY_PASSPHRASE)")
	attestCmd.Flags().StringVar(&attestLedgerFlag, "ledger", envOrDefault("KGEN_INTEGRITY_DB", defaultLedgerPath), "Path to the project ledger")
	attestCmd.Flags().StringVar(&attestEngineNameFlag, "engine-name", "kgen", "Rendering engine name recorded in each sidecar")
	attestCmd.Flags().StringVar(&attestEngineVerFlag, "engine-version", "", "Rendering engine version recorded in each sidecar (defaults to KGEN_VERSION, then the compiled-in module version)")
	attestCmd.Flags().StringVar(&attestOperationIDFlag, "operation-id", "", "Operation id recorded in each sidecar (defaults to a generated UUID)")
}

// GetAttestCmd returns the attest command.
func GetAttestCmd() *cobra.Command {
	return attestCmd
}

func runAttest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()
	log.Event(ctx, "attest.start", map[string]any{"artifacts": len(args)})

	passphrase := attestPassphraseFlag
	if passphrase == "" {
		passphrase = os.Getenv("KGEN_KEY_PASSPHRASE")
	}

	clock, hasClock := clockFromEnv()

	ks := keystore.New()
	if hasClock {
		ks.TimeFunc = clock
	}
	h, err := ks.LoadKeypair(attestPrivateFlag, passphrase, false)
	if err != nil {
		return exitForCryptoError(err)
	}

	l, err := ledger.Open(attestLedgerFlag, ks, h, clock)
	if err != nil {
		return exitForIOError(err)
	}

	builder := attestation.New(ks, h, l)
	if hasClock {
		builder.TimeFunc = clock
	}

	operationID := attestOperationIDFlag
	if operationID == "" {
		operationID = fmt.Sprintf("op-%d", time.Now().UnixNano())
	}

	for _, path := range args {
		in := attestation.Input{
			ArtifactPath:  path,
			MimeType:      mimeTypeFor(path),
			EngineName:    attestEngineNameFlag,
			EngineVersion: engineVersionOr(attestEngineVerFlag),
			OperationID:   operationID,
			Environment: models.Environment{
				Platform: runtime.GOOS, RuntimeVersion: runtime.Version(), Architecture: runtime.GOARCH,
			},
		}
		sidecar, err := builder.Build(in)
		if err != nil {
			return exitForCryptoError(err)
		}
		fmt.Printf("%s✓ attested%s %s (%s)\n", colorGreen, colorReset, path, sidecar.Integrity.ArtifactHash[:16])
	}

	bundleID := attestBundleIDFlag
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
		LedgerSlice:   l.Links(),
		OutputPath:    attestOutputFlag,
		Sign:          true,
	})
	if err != nil {
		return exitForCryptoError(err)
	}

	fmt.Printf("\n%s✓ Bundle created: %s%s\n", colorGreen, result.OutputPath, colorReset)
	fmt.Printf("  bundleHash: %s\n", result.BundleHash)
	fmt.Printf("  manifestHash: %s\n", result.Manifest.Integrity.ManifestHash)
	if result.Manifest.Signature != nil {
		fmt.Printf("  signature: %s (%s)\n", result.Manifest.Signature.Value[:16]+"…", result.Manifest.Signature.Suite)
	}

	log.Event(ctx, "attest.complete", map[string]any{"duration_ms": time.Since(start).Milliseconds(), "bundleHash": result.BundleHash})
	return nil
}

func mimeTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".txt", ".md":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// exitForCryptoError maps a sign/crypto failure to exit 4, anything
// else to the generic error-returning path (cobra prints it and exits
// with its own default non-zero code).
func exitForCryptoError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) && kerr.GetKind() == errkind.Crypto {
		fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(4)
	}
	return exitForIOError(err)
}

// exitForIOError exits 3 for I/O failures and otherwise returns err for
// cobra's default handling.
func exitForIOError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) && kerr.GetKind() == errkind.IO {
		fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(3)
	}
	return err
}
