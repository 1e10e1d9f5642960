package models

// GenesisPreviousHash is the fixed constant used as the "previousHash"
// of the genesis link (index 0).
const GenesisPreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Link is one entry in the append-only, hash-linked integrity ledger.
type Link struct {
	Index           int64     `json:"index"`
	OperationID     string    `json:"operationId"`
	Timestamp       string    `json:"timestamp"`
	ArtifactDigests []string  `json:"artifactDigests"`
	LinkPayloadHash string    `json:"linkPayloadHash"`
	PreviousHash    string    `json:"previousHash"`
	Signature       Signature `json:"signature"`
}

// MerkleBatch is the optional per-operation Merkle commitment over a
// set of artifact hashes appended in one operation.
type MerkleBatch struct {
	Root   string                       `json:"root"`
	Proofs map[string][]MerkleProofStep `json:"proofs"` // artifactHash -> inclusion path, bottom to top
}

// BrokenLink describes one index at which chain verification failed.
type BrokenLink struct {
	Index  int64  `json:"index"`
	Reason string `json:"reason"`
}

// ChainReport is the result of verifying a ledger (or a range of it).
type ChainReport struct {
	TotalLinks      int          `json:"totalLinks"`
	ValidLinks      int          `json:"validLinks"`
	BrokenLinks     []BrokenLink `json:"brokenLinks"`
	SignatureValid  []bool       `json:"signatureValid"`
	IntegrityScore  float64      `json:"integrityScore"`
}
