// Package reproduce implements C8: it runs a pinned lockfile's build N
// times in isolated scratch trees, compares the resulting outputs
// byte-for-byte (and, optionally, line-by-line for textual files), and
// can re-check a single already-attested artifact for reproducibility.
package reproduce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/wI2L/jsondiff"
	"golang.org/x/sync/errgroup"

	"github.com/kgenhq/kgen/internal/differ"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/models"
	"github.com/kgenhq/kgen/internal/verifier"
)

const minParallel = 2

// Request configures one reproduce run.
type Request struct {
	LockfilePath string
	ProjectPath  string
	BuildCommand []string
	Parallel     int
	Timeout      time.Duration
	PurgeOutputs bool
	OutputDir    string // relative to the build's working tree; defaults to "."
	CompareMeta  bool
	DiffText     bool
	TextSuffixes []string // e.g. ".txt", ".json", ".yaml"; defaults cover common text formats

	TimeFunc func() time.Time
	IDFunc   func() string
}

var defaultTextSuffixes = []string{".txt", ".json", ".yaml", ".yml", ".md", ".go", ".toml"}

func (r Request) textSuffixes() []string {
	if len(r.TextSuffixes) > 0 {
		return r.TextSuffixes
	}
	return defaultTextSuffixes
}

func (r Request) isTextual(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range r.textSuffixes() {
		if ext == s {
			return true
		}
	}
	return false
}

func (r Request) now() time.Time {
	if r.TimeFunc != nil {
		return r.TimeFunc()
	}
	return time.Now()
}

func (r Request) verificationID() string {
	if r.IDFunc != nil {
		return r.IDFunc()
	}
	return fmt.Sprintf("repro-%d", r.now().UnixNano())
}

// Reproduce runs req.Parallel (minimum 2) isolated builds from the
// pinned lockfile and project, then compares their outputs.
func Reproduce(ctx context.Context, req Request) (models.ReproducibilityReport, error) {
	if _, err := os.Stat(req.LockfilePath); err != nil {
		return models.ReproducibilityReport{}, errkind.Wrap(errkind.IO, "reproduce.Reproduce", err)
	}
	if info, err := os.Stat(req.ProjectPath); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", req.ProjectPath)
		}
		return models.ReproducibilityReport{}, errkind.Wrap(errkind.IO, "reproduce.Reproduce", err)
	}
	n := req.Parallel
	if n < minParallel {
		n = minParallel
	}

	report := models.ReproducibilityReport{VerificationID: req.verificationID()}
	builds := make([]models.BuildRun, n)
	outDirs := make([]string, n)
	scratchRoots := make([]string, n)
	defer func() {
		for _, root := range scratchRoots {
			if root != "" {
				os.RemoveAll(root)
			}
		}
	}()

	// Each build runs in its own scratch tree with no shared state, so
	// the N runs fan out concurrently; every goroutine writes only to
	// its own index.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			run, outDir, scratchRoot := runOneBuild(gctx, req, i)
			builds[i] = run
			outDirs[i] = outDir
			scratchRoots[i] = scratchRoot
			return nil
		})
	}
	_ = g.Wait() // runOneBuild reports failures on its BuildRun rather than returning an error

	report.Builds = builds
	comparison, reproducible, confidence := compareBuilds(req, report.Builds, outDirs)
	report.Comparison = comparison
	report.Reproducible = reproducible
	report.Confidence = confidence
	return report, nil
}

// runOneBuild returns the build's result, the directory its outputs
// were hashed from, and the scratch root to clean up afterward, so a
// later comparison pass can still read bytes for textual diffing
// before the scratch tree is torn down.
func runOneBuild(ctx context.Context, req Request, index int) (run models.BuildRun, outDir, scratchRoot string) {
	run = models.BuildRun{Index: index}

	scratch, err := createScratchDir(fmt.Sprintf("kgen-reproduce-%d-", index))
	if err != nil {
		run.Failed = true
		run.Stderr = err.Error()
		return run, "", ""
	}
	scratchRoot = scratch

	if err := copyTree(req.ProjectPath, scratch); err != nil {
		run.Failed = true
		run.Stderr = err.Error()
		return run, "", scratchRoot
	}
	if err := copyFileInto(req.LockfilePath, scratch); err != nil {
		run.Failed = true
		run.Stderr = err.Error()
		return run, "", scratchRoot
	}

	outDir = scratch
	if req.OutputDir != "" && req.OutputDir != "." {
		outDir = filepath.Join(scratch, req.OutputDir)
	}
	if req.PurgeOutputs {
		os.RemoveAll(outDir)
		os.MkdirAll(outDir, 0755)
	}

	run.EnvironmentDigest = environmentDigest()

	start := time.Now()
	exitCode, timedOut, stdout, stderr, err := runBuild(ctx, req.BuildCommand, scratch, req.Timeout)
	run.DurationMs = time.Since(start).Milliseconds()
	run.TimedOut = timedOut
	run.ExitStatus = exitCode
	if stderr != "" {
		run.Stderr = stderr
	}
	_ = stdout
	if err != nil && !timedOut {
		run.Failed = true
		if run.Stderr == "" {
			run.Stderr = err.Error()
		}
		return run, outDir, scratchRoot
	}
	if timedOut {
		// A timed-out build is failed, never "non-reproducible".
		run.Failed = true
		return run, outDir, scratchRoot
	}
	if exitCode != 0 {
		run.Failed = true
		return run, outDir, scratchRoot
	}

	outputs, err := hashOutputs(outDir)
	if err != nil {
		run.Failed = true
		run.Stderr = err.Error()
		return run, outDir, scratchRoot
	}
	run.Outputs = outputs
	return run, outDir, scratchRoot
}

func createScratchDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", errkind.Wrap(errkind.IO, "reproduce.createScratchDir", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return "", errkind.Wrap(errkind.IO, "reproduce.createScratchDir", err)
	}
	return dir, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFileInto(src, dstDir string) error {
	return copyFile(src, filepath.Join(dstDir, filepath.Base(src)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errkind.Wrap(errkind.IO, "reproduce.copyFile", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errkind.Wrap(errkind.IO, "reproduce.copyFile", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errkind.Wrap(errkind.IO, "reproduce.copyFile", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errkind.Wrap(errkind.IO, "reproduce.copyFile", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errkind.Wrap(errkind.IO, "reproduce.copyFile", err)
	}
	return nil
}

// runBuild invokes argv[0] with argv[1:] in dir under a timeout,
// reporting exit status and whether the deadline was hit rather than
// the process exiting on its own.
func runBuild(ctx context.Context, argv []string, dir string, timeout time.Duration) (exitCode int, timedOut bool, stdout, stderr string, err error) {
	if len(argv) == 0 {
		return -1, false, "", "", errkind.New(errkind.Config, "reproduce.runBuild", "empty build command")
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return -1, true, stdout, stderr, errkind.New(errkind.Timeout, "reproduce.runBuild", "build exceeded timeout")
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), false, stdout, stderr, errkind.New(errkind.BuildFailed, "reproduce.runBuild", exitErr.Error())
		}
		return -1, false, stdout, stderr, errkind.Wrap(errkind.BuildFailed, "reproduce.runBuild", runErr)
	}
	return 0, false, stdout, stderr, nil
}

func hashOutputs(dir string) ([]models.BuildOutput, error) {
	var outputs []models.BuildOutput
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		digest, err := hash.File(hash.SHA256, path)
		if err != nil {
			return err
		}
		outputs = append(outputs, models.BuildOutput{Path: filepath.ToSlash(rel), Hash: digest})
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "reproduce.hashOutputs", err)
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })
	return outputs, nil
}

func environmentDigest() string {
	env := os.Environ()
	sort.Strings(env)
	digest, _ := hash.Bytes(hash.SHA256, []byte(strings.Join(env, "\n")))
	return digest
}

// compareBuilds compares every successful build against the first
// successful one, path by path. outDirs is indexed by build index and
// lets textual diffs read actual bytes while the scratch trees still
// exist.
func compareBuilds(req Request, builds []models.BuildRun, outDirs []string) (models.Comparison, bool, float64) {
	var successful []models.BuildRun
	for _, b := range builds {
		if !b.Failed {
			successful = append(successful, b)
		}
	}
	if len(successful) == 0 {
		return models.Comparison{}, false, 0
	}

	baseline := successful[0]
	baseFiles := make(map[string]models.BuildOutput, len(baseline.Outputs))
	for _, o := range baseline.Outputs {
		baseFiles[o.Path] = o
	}

	var comparison models.Comparison
	totalPairs, identicalPairs := 0, 0

	for _, other := range successful[1:] {
		otherFiles := make(map[string]models.BuildOutput, len(other.Outputs))
		for _, o := range other.Outputs {
			otherFiles[o.Path] = o
		}

		paths := unionPaths(baseFiles, otherFiles)
		for _, path := range paths {
			totalPairs++
			baseOut, inBase := baseFiles[path]
			otherOut, inOther := otherFiles[path]
			fc := models.FileComparison{Path: path, BuildA: baseline.Index, BuildB: other.Index}

			switch {
			case !inBase:
				fc.OnlyInB = true
			case !inOther:
				fc.OnlyInA = true
			default:
				fc.Equal = hash.EqualHex(baseOut.Hash, otherOut.Hash)
			}

			if !fc.Equal && inBase && inOther {
				if req.isTextual(path) {
					if req.DiffText {
						if a, b, ok := readPair(outDirs, baseline.Index, other.Index, path); ok {
							td := DiffTextFiles(path, a, b)
							fc.TextDiff = &td
						}
					}
				} else {
					fc.Binary = true
				}
			}

			if fc.Equal {
				identicalPairs++
			}
			comparison.Files = append(comparison.Files, fc)
		}
	}

	reproducible := len(successful) >= minParallel
	for _, fc := range comparison.Files {
		if !fc.Equal {
			reproducible = false
			break
		}
	}
	confidence := 0.0
	if totalPairs > 0 {
		confidence = float64(identicalPairs) / float64(totalPairs)
	} else if len(successful) >= minParallel {
		confidence = 1.0
	}
	return comparison, reproducible, confidence
}

func unionPaths(a, b map[string]models.BuildOutput) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// readPair reads path out of two build output directories, returning
// ok=false if either scratch tree is gone or the file can't be read.
func readPair(outDirs []string, indexA, indexB int, path string) (a, b string, ok bool) {
	if indexA < 0 || indexA >= len(outDirs) || indexB < 0 || indexB >= len(outDirs) {
		return "", "", false
	}
	dirA, dirB := outDirs[indexA], outDirs[indexB]
	if dirA == "" || dirB == "" {
		return "", "", false
	}
	bufA, errA := os.ReadFile(filepath.Join(dirA, path))
	bufB, errB := os.ReadFile(filepath.Join(dirB, path))
	if errA != nil || errB != nil {
		return "", "", false
	}
	return string(bufA), string(bufB), true
}

// DiffTextFiles compares two text file contents directly (e.g. when the
// caller has retained both scratch trees) and returns both a line-level
// JSON patch and a severity-classified human summary.
func DiffTextFiles(path, a, b string) models.TextDiff {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)

	var lines []string
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			lines = append(lines, "Field '"+path+"' gained content: "+truncate(d.Text))
		case diffmatchpatch.DiffDelete:
			lines = append(lines, "Field '"+path+"' lost content: "+truncate(d.Text))
		}
	}

	var patchJSON string
	sourceJSON, errA := json.Marshal(map[string]string{"content": a})
	targetJSON, errB := json.Marshal(map[string]string{"content": b})
	if errA == nil && errB == nil {
		if patch, err := jsondiff.CompareJSON(sourceJSON, targetJSON); err == nil {
			if encoded, err := json.Marshal(patch); err == nil {
				patchJSON = string(encoded)
			}
		}
	}

	severity := differ.OverallSeverity(lines)
	if len(lines) == 0 {
		severity = differ.SeverityModerate
	}
	return models.TextDiff{
		Patch:    patchJSON,
		Summary:  lines,
		Severity: differ.SeverityString(severity),
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	const max = 80
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

// VerifyArtifactReproducibility reruns the single-artifact verification
// pipeline (C6) against an already-produced artifact and its sidecar,
// and reports whether its recorded hash is byte-for-byte reproducible.
func VerifyArtifactReproducibility(v *verifier.Verifier, artifactPath string) models.VerifyReport {
	return v.VerifyArtifact(artifactPath)
}
