// Package models holds the plain-tree record types shared by every
// core component: artifacts, sidecars, ledger links, lockfiles,
// reproducibility reports, and bundle manifests.
package models

// Artifact describes one file produced by the external rendering
// engine. Immutable once written: created, never modified, deleted
// only by the user.
type Artifact struct {
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType,omitempty"`
	GitBlobSha  string `json:"gitBlobSha,omitempty"`
}

// Agent identifies whoever (or whatever) triggered a render.
type Agent struct {
	ID   string `json:"id"`
	Type string `json:"type"` // human|service|ci
	Name string `json:"name,omitempty"`
}

// RuleRef pins one rule's id and content hash.
type RuleRef struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// Generation records what produced an artifact: template, rules, input
// graph, engine, and the agent/operation that triggered the render.
type Generation struct {
	TemplateID      string    `json:"templateId"`
	TemplateHash    string    `json:"templateHash"`
	Rules           []RuleRef `json:"rules"`
	InputGraphHash  string    `json:"inputGraphHash"`
	EngineName      string    `json:"engineName"`
	EngineVersion   string    `json:"engineVersion"`
	Agent           Agent     `json:"agent"`
	OperationID     string    `json:"operationId"`
	ReasoningChain  []string  `json:"reasoningChain,omitempty"`
}

// Environment is recorded for diagnostics but excluded from
// integrity.contextHash unless StrictEnv was requested on the build.
type Environment struct {
	Platform       string `json:"platform"`
	RuntimeVersion string `json:"runtimeVersion"`
	Architecture   string `json:"architecture"`
}

// MerkleProofStep is one sibling hash on the inclusion path, tagged
// with which side it occupies.
type MerkleProofStep struct {
	Hash        string `json:"hash"`
	SiblingLeft bool   `json:"siblingLeft"`
}

// Integrity binds an artifact to its generation context and, when
// batched, to a Merkle commitment.
type Integrity struct {
	HashAlgorithm    string            `json:"hashAlgorithm"`
	ArtifactHash     string            `json:"artifactHash"`
	ContextHash      string            `json:"contextHash"`
	PreviousLinkHash string            `json:"previousLinkHash,omitempty"`
	MerkleRoot       string            `json:"merkleRoot,omitempty"`
	MerkleProof      []MerkleProofStep `json:"merkleProof,omitempty"`
}

// Signature suites supported by the KeyStore.
const (
	SuiteEd25519      = "ed25519"
	SuiteRSAPSSSHA256 = "rsa-pss-sha256"
)

// Signature is the output of C3's sign operation, attached to a
// canonical signing projection.
type Signature struct {
	Suite          string `json:"suite"`
	Value          string `json:"value"` // hex-encoded
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
	SignedAt       string `json:"signedAt"`
}

// SidecarSchemaVersion is the fixed schema version for Sidecar records.
const SidecarSchemaVersion = "2.0"

// Sidecar (a.k.a. Attestation) is the per-artifact provenance record
// stored at "<artifact>.attest.json".
type Sidecar struct {
	SchemaVersion string      `json:"schemaVersion"`
	AttestationID string      `json:"attestationId"`
	CreatedAt     string      `json:"createdAt"`
	Artifact      Artifact    `json:"artifact"`
	Generation    Generation  `json:"generation"`
	Environment   Environment `json:"environment"`
	Integrity     Integrity   `json:"integrity"`
	Signature     Signature   `json:"signature"`
	ProvO         interface{} `json:"provO,omitempty"`
}
