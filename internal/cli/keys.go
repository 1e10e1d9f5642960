package cli

import (
	"fmt"
	"os"

	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/observability/logging"
	"github.com/spf13/cobra"
)

const (
	defaultPrivateKeyPath = "private.key"
	defaultPublicKeyPath  = "public.key"
	defaultTrustStorePath = "keys/trust.json"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing keypair",
	Long:  `Generate an Ed25519 or RSA-PSS keypair for signing sidecars, ledger links, and bundles.`,
	RunE:  runKeygen,
}

var (
	keygenPrivateFlag    string
	keygenPublicFlag     string
	keygenSuiteFlag      string
	keygenPassphraseFlag string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenPrivateFlag, "private", defaultPrivateKeyPath, "Path for the private key file")
	keygenCmd.Flags().StringVar(&keygenPublicFlag, "public", defaultPublicKeyPath, "Path for the public key file")
	keygenCmd.Flags().StringVar(&keygenSuiteFlag, "suite", string(keystore.Ed25519), "Signing suite: ed25519 or rsa-pss-sha256")
	keygenCmd.Flags().StringVar(&keygenPassphraseFlag, "passphrase", "", "Passphrase to wrap the private key (or set KGEN_KEY_PASSPHRASE)")
}

// GetKeygenCmd returns the keygen command.
func GetKeygenCmd() *cobra.Command {
	return keygenCmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keygenPrivateFlag); err == nil {
		return fmt.Errorf("private key already exists at %s (use a different path or delete it)", keygenPrivateFlag)
	}

	ks := keystore.New()
	if clock, ok := clockFromEnv(); ok {
		ks.TimeFunc = clock
	}
	h, err := ks.GenerateKeypair(keystore.Suite(keygenSuiteFlag))
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}

	passphrase := keygenPassphraseFlag
	if passphrase == "" {
		passphrase = os.Getenv("KGEN_KEY_PASSPHRASE")
	}
	if err := ks.SaveKeypair(h, keygenPrivateFlag, keygenPublicFlag, passphrase); err != nil {
		return fmt.Errorf("failed to save keypair: %w", err)
	}

	fmt.Printf("%s✓ Private key saved: %s%s\n", colorGreen, keygenPrivateFlag, colorReset)
	fmt.Printf("%s✓ Public key saved:  %s%s\n", colorGreen, keygenPublicFlag, colorReset)
	fmt.Printf("  Suite: %s\n  Fingerprint: %s\n", h.Suite, h.Fingerprint)
	fmt.Printf("\n%s⚠ Keep your private key secret!%s\n", colorRed, colorReset)
	return nil
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Rotate a signing keypair",
	Long: `Generates a fresh keypair of the same suite, moves the old one to a
timestamped backup, and marks the old fingerprint "rotated" in the trust store.`,
	RunE: runRotateKeys,
}

var (
	rotatePrivateFlag    string
	rotatePublicFlag     string
	rotateTrustFlag      string
	rotatePassphraseFlag string
)

func init() {
	rotateKeysCmd.Flags().StringVar(&rotatePrivateFlag, "private", defaultPrivateKeyPath, "Path to the current private key file")
	rotateKeysCmd.Flags().StringVar(&rotatePublicFlag, "public", defaultPublicKeyPath, "Path to the current public key file")
	rotateKeysCmd.Flags().StringVar(&rotateTrustFlag, "trust-store", defaultTrustStorePath, "Path to the trust store")
	rotateKeysCmd.Flags().StringVar(&rotatePassphraseFlag, "passphrase", "", "Passphrase to wrap the new private key (or set KGEN_KEY_PASSPHRASE)")
}

// GetRotateKeysCmd returns the rotate-keys command.
func GetRotateKeysCmd() *cobra.Command {
	return rotateKeysCmd
}

func runRotateKeys(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)

	trustPath := rotateTrustFlag
	if v := os.Getenv("KGEN_TRUST_STORE"); v != "" {
		trustPath = v
	}
	trust, err := keystore.LoadTrustStore(trustPath)
	if err != nil {
		return fmt.Errorf("failed to load trust store: %w", err)
	}

	passphrase := rotatePassphraseFlag
	if passphrase == "" {
		passphrase = os.Getenv("KGEN_KEY_PASSPHRASE")
	}

	ks := keystore.New()
	if clock, ok := clockFromEnv(); ok {
		ks.TimeFunc = clock
	}
	result, err := ks.Rotate(rotatePrivateFlag, rotatePublicFlag, passphrase, trust)
	if err != nil {
		log.Event(ctx, "rotate-keys.failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("key rotation failed: %w", err)
	}

	fmt.Printf("%s✓ Keys rotated%s\n", colorGreen, colorReset)
	fmt.Printf("  Old fingerprint: %s\n", result.OldFingerprint)
	fmt.Printf("  New fingerprint: %s\n", result.New.Fingerprint)
	fmt.Printf("  Backup (private): %s\n", result.BackupPrivPath)
	fmt.Printf("  Backup (public):  %s\n", result.BackupPubPath)
	log.Event(ctx, "rotate-keys.complete", map[string]any{
		"oldFingerprint": result.OldFingerprint,
		"newFingerprint": result.New.Fingerprint,
	})
	return nil
}
