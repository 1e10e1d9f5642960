package models

// BuildOutput is one output file produced by a reproducibility build,
// identified by its path relative to the build's output root and its
// content hash.
type BuildOutput struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// BuildRun is the result of invoking one of the N parallel builds.
type BuildRun struct {
	Index             int           `json:"index"`
	ExitStatus         int           `json:"exitStatus"`
	DurationMs         int64         `json:"durationMs"`
	EnvironmentDigest  string        `json:"environmentDigest"`
	Outputs            []BuildOutput `json:"outputs"`
	Failed             bool          `json:"failed"`
	TimedOut           bool          `json:"timedOut"`
	Stderr             string        `json:"stderr,omitempty"`
}

// FileComparison records whether one output path matched across a pair
// of builds. TextDiff is populated only for textual files that differ
// and diffing was requested.
type FileComparison struct {
	Path    string    `json:"path"`
	BuildA  int       `json:"buildA"`
	BuildB  int       `json:"buildB"`
	Equal   bool      `json:"equal"`
	OnlyInA bool      `json:"onlyInA"`
	OnlyInB bool      `json:"onlyInB"`
	Binary  bool      `json:"binary,omitempty"`
	TextDiff *TextDiff `json:"textDiff,omitempty"`
}

// TextDiff carries both a machine-readable JSON-patch form and a
// human-readable, severity-classified summary of a textual diff, so a
// caller can gate automation on severity without re-parsing the patch.
type TextDiff struct {
	Patch    string   `json:"patch,omitempty"` // JSON-encoded jsondiff.Patch, empty for line-oriented text
	Summary  []string `json:"summary"`
	Severity string   `json:"severity"` // safe|moderate|critical
}

// Comparison is the full per-file, per-build-pair comparison matrix.
type Comparison struct {
	Files []FileComparison `json:"files"`
}

// ReproducibilityReport is the result of C8's reproduce operation.
type ReproducibilityReport struct {
	VerificationID string     `json:"verificationId"`
	Builds         []BuildRun `json:"builds"`
	Comparison     Comparison `json:"comparison"`
	Reproducible   bool       `json:"reproducible"`
	Confidence     float64    `json:"confidence"`
}

// VerifyReport is the result of C6's verifyArtifact operation.
type VerifyReport struct {
	Path           string `json:"path"`
	Valid          bool   `json:"valid"`
	HashMatches    bool   `json:"hashMatches"`
	SignatureValid bool   `json:"signatureValid"`
	ChainValid     bool   `json:"chainValid"`
	MerkleValid    bool   `json:"merkleValid"`
	TrustStatus    string `json:"trustStatus"` // active|rotated|revoked|unknown
	Warnings       []string `json:"warnings,omitempty"`
	Error          string `json:"error,omitempty"`
}
