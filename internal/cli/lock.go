package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/lockfile"
	"github.com/kgenhq/kgen/internal/models"
	"github.com/kgenhq/kgen/internal/observability/logging"
	"github.com/spf13/cobra"
)

const defaultLockfilePath = "kgen.lock.json"

const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Generate or validate a project lockfile",
	Long: `Reads a project descriptor (the engine's current template/rule/schema
tables, handed over as JSON since discovery is outside the core's scope)
and emits a canonical, byte-deterministic lockfile.

Example:
  kgen lock --context project.json --output kgen.lock.json`,
	RunE: runLock,
}

var (
	lockContextFlag string
	lockOutputFlag  string
	lockForceFlag   bool
)

func init() {
	lockCmd.Flags().StringVarP(&lockContextFlag, "context", "c", "", "Path to the project descriptor JSON (required)")
	lockCmd.Flags().StringVarP(&lockOutputFlag, "output", "o", defaultLockfilePath, "Output path for the lockfile")
	lockCmd.Flags().BoolVarP(&lockForceFlag, "force", "f", false, "Overwrite an existing lockfile even if validation reports issues")
	_ = lockCmd.MarkFlagRequired("context")
}

// GetLockCmd returns the lock command.
func GetLockCmd() *cobra.Command {
	return lockCmd
}

func runLock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()
	log.Event(ctx, "lock.start", nil)

	projectCtx, err := loadProjectContext(lockContextFlag)
	if err != nil {
		return fmt.Errorf("failed to load project context: %w", err)
	}

	gen := lockfile.New()
	if clock, ok := clockFromEnv(); ok {
		gen.TimeFunc = clock
	}

	if lockfile.Exists(lockOutputFlag) && !lockForceFlag {
		existing, err := lockfile.Load(lockOutputFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%sWarning: could not load existing lockfile: %v%s\n", colorRed, err, colorReset)
		} else {
			validation, err := gen.Validate(existing, projectCtx)
			if err != nil {
				return exitForLockfileError(err)
			}
			if !validation.Valid {
				fmt.Fprintf(os.Stderr, "%s✗ Lockfile drift detected%s\n", colorRed, colorReset)
				for _, issue := range validation.Issues {
					fmt.Fprintf(os.Stderr, "  %s✗ [%s] %s: %s%s\n", colorRed, issue.Component, issue.Kind, issue.Message, colorReset)
				}
				fmt.Fprintf(os.Stderr, "Use --force to regenerate the lockfile anyway.\n")
				os.Exit(1)
			}
			if len(validation.Warnings) == 0 {
				fmt.Printf("%s✓ No drift detected - lockfile is up to date%s\n", colorGreen, colorReset)
				log.Event(ctx, "lock.complete", map[string]any{"duration_ms": time.Since(start).Milliseconds(), "result": "unchanged"})
				return nil
			}
		}
	}

	lf, err := gen.Generate(projectCtx)
	if err != nil {
		log.Event(ctx, "lock.complete", map[string]any{"duration_ms": time.Since(start).Milliseconds(), "result": "fail"})
		return exitForLockfileError(err)
	}

	if err := lockfile.Save(lf, lockOutputFlag); err != nil {
		return fmt.Errorf("failed to save lockfile: %w", err)
	}

	fmt.Printf("%s✓ Lockfile created: %s%s\n", colorGreen, lockOutputFlag, colorReset)
	fmt.Printf("  Templates: %d, Rules: %d, Schemas: %d\n", len(lf.Templates), len(lf.Rules), len(lf.Schemas))
	fmt.Printf("  lockfileHash: %s\n", lf.LockfileHash)

	log.Event(ctx, "lock.complete", map[string]any{"duration_ms": time.Since(start).Milliseconds(), "result": "success"})
	return nil
}

// exitForLockfileError maps a dependency-cycle error to exit code 2,
// any other lockfile-generation failure to exit code 3 (IO), per the
// documented CLI exit-code contract.
func exitForLockfileError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) && kerr.GetKind() == errkind.DependencyCycle {
		fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
	os.Exit(3)
	return nil
}

// loadProjectContext reads the engine-supplied project descriptor. Its
// JSON shape mirrors models.ProjectContext directly; discovering
// templates/rules/schemas is the rendering engine's job, not the
// core's.
func loadProjectContext(path string) (models.ProjectContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ProjectContext{}, err
	}
	var ctx models.ProjectContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return models.ProjectContext{}, err
	}
	return ctx, nil
}
