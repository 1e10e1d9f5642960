package models

// BundleFileEntry records one archived file's path and content hash.
type BundleFileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// BundleIntegrity carries per-file hashes plus the overall manifest digest.
type BundleIntegrity struct {
	Files        []BundleFileEntry `json:"files"`
	ManifestHash string            `json:"manifestHash"`
}

// BundleManifest indexes the contents of a Bundle Packager archive.
type BundleManifest struct {
	BundleID      string            `json:"bundleId"`
	BundleVersion string            `json:"bundleVersion"`
	CreatedAt     string            `json:"createdAt"`
	Artifacts     []BundleFileEntry `json:"artifacts"`
	Attestations  []BundleFileEntry `json:"attestations"`
	LedgerSlice   []Link            `json:"ledgerSlice"`
	Compliance    []byte            `json:"compliance,omitempty"`
	Integrity     BundleIntegrity   `json:"integrity"`
	Signature     *Signature        `json:"signature,omitempty"`
}

// BundleRequest describes what to package into a Bundle archive.
type BundleRequest struct {
	BundleID      string
	ArtifactPaths []string // paths to artifacts; sidecars are discovered at "<path>.attest.json"
	LedgerSlice   []Link
	Compliance    []byte
	OutputPath    string
	Sign          bool
}

// BundleResult is the outcome of createBundle.
type BundleResult struct {
	OutputPath  string         `json:"outputPath"`
	BundleHash  string         `json:"bundleHash"`
	Manifest    BundleManifest `json:"manifest"`
}

// BundleVerifyReport is the outcome of verifyBundle.
type BundleVerifyReport struct {
	Valid           bool              `json:"valid"`
	BundleHashMatch bool              `json:"bundleHashMatch"`
	FileIssues      []string          `json:"fileIssues,omitempty"`
	AttestationReports []VerifyReport `json:"attestationReports,omitempty"`
	LedgerChain     ChainReport       `json:"ledgerChain"`
}
