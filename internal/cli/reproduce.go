package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/reproduce"
	"github.com/spf13/cobra"
)

var reproduceCmd = &cobra.Command{
	Use:   "reproduce -- <build command...>",
	Short: "Rebuild a pinned project N times and compare outputs byte-for-byte",
	Long: `Runs a project's build command in N isolated scratch trees (minimum
two), hashes each run's outputs, and reports whether they agree.

Example:
  kgen reproduce --lockfile kgen.lock.json --project . --n 3 -- npm run build`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReproduce,
}

var (
	reproduceLockfileFlag string
	reproduceProjectFlag  string
	reproduceNFlag        int
	reproduceTimeoutFlag  time.Duration
	reproducePurgeFlag    bool
	reproduceOutputDir    string
	reproduceDiffTextFlag bool
)

func init() {
	reproduceCmd.Flags().StringVar(&reproduceLockfileFlag, "lockfile", defaultLockfilePath, "Path to the pinned lockfile")
	reproduceCmd.Flags().StringVar(&reproduceProjectFlag, "project", ".", "Path to the project directory")
	reproduceCmd.Flags().IntVar(&reproduceNFlag, "n", 2, "Number of isolated builds to run (minimum 2)")
	reproduceCmd.Flags().DurationVar(&reproduceTimeoutFlag, "timeout", 5*time.Minute, "Per-build timeout")
	reproduceCmd.Flags().BoolVar(&reproducePurgeFlag, "purge-outputs", false, "Remove any pre-existing output directory before each build")
	reproduceCmd.Flags().StringVar(&reproduceOutputDir, "output-dir", ".", "Build output directory, relative to the project root")
	reproduceCmd.Flags().BoolVar(&reproduceDiffTextFlag, "diff-text", true, "Produce line-level diffs for textual output mismatches")
}

// GetReproduceCmd returns the reproduce command.
func GetReproduceCmd() *cobra.Command {
	return reproduceCmd
}

func runReproduce(cmd *cobra.Command, args []string) error {
	buildArgv := args
	if i := cmd.ArgsLenAtDash(); i >= 0 {
		buildArgv = args[i:]
	}
	if len(buildArgv) == 0 {
		return fmt.Errorf("no build command given; pass one after --")
	}

	req := reproduce.Request{
		LockfilePath: reproduceLockfileFlag,
		ProjectPath:  reproduceProjectFlag,
		BuildCommand: buildArgv,
		Parallel:     reproduceNFlag,
		Timeout:      reproduceTimeoutFlag,
		PurgeOutputs: reproducePurgeFlag,
		OutputDir:    reproduceOutputDir,
		DiffText:     reproduceDiffTextFlag,
	}

	report, err := reproduce.Reproduce(context.Background(), req)
	if err != nil {
		return exitForReproduceError(err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(data))

	for _, b := range report.Builds {
		if b.Failed && !b.TimedOut {
			fmt.Fprintf(os.Stderr, "%s✗ build %d failed: %s%s\n", colorRed, b.Index, strings.TrimSpace(b.Stderr), colorReset)
		}
	}

	failedBuild := false
	for _, b := range report.Builds {
		if b.Failed {
			failedBuild = true
			break
		}
	}
	if failedBuild {
		os.Exit(5)
	}
	if !report.Reproducible {
		os.Exit(1)
	}
	return nil
}

func exitForReproduceError(err error) error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		switch kerr.GetKind() {
		case errkind.BuildFailed, errkind.Timeout:
			fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(5)
		case errkind.IO:
			fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(3)
		}
	}
	return err
}
