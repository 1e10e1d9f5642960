// Package verifier implements C6 Verifier: it reverses C4's pipeline to
// check one artifact's sidecar against the artifact bytes, the
// signature, and (optionally) the ledger and a Merkle batch.
package verifier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
)

const sidecarExtension = ".attest.json"

// Verifier ties together the keystore/trust store and an optional
// ledger for chain-continuity checks.
type Verifier struct {
	KeyStore *keystore.KeyStore
	Trust    *keystore.TrustStore
	Ledger   *ledger.Ledger // optional; chain checks skipped (warning) if nil
}

// New constructs a Verifier. trust/l may be nil to skip those checks
// with a warning rather than a hard failure.
func New(ks *keystore.KeyStore, trust *keystore.TrustStore, l *ledger.Ledger) *Verifier {
	return &Verifier{KeyStore: ks, Trust: trust, Ledger: l}
}

// VerifyArtifact runs the 7-step verification algorithm against one
// artifact path, returning independent hashMatches/signatureValid/
// chainValid/merkleValid fields plus an overall valid.
func (v *Verifier) VerifyArtifact(path string) models.VerifyReport {
	report := models.VerifyReport{Path: path, TrustStatus: "unknown"}

	if _, err := os.Stat(path); err != nil {
		report.Error = fmt.Sprintf("artifact missing or unreadable: %v", err)
		return report
	}

	sidecarPath := path + sidecarExtension
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		report.Error = fmt.Sprintf("sidecar missing or unreadable: %v", err)
		return report
	}
	var sidecar models.Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		report.Error = fmt.Sprintf("sidecar parse failure: %v", err)
		return report
	}
	if sidecar.SchemaVersion != models.SidecarSchemaVersion {
		report.Warnings = append(report.Warnings, fmt.Sprintf("sidecar schemaVersion %q does not match current %q", sidecar.SchemaVersion, models.SidecarSchemaVersion))
	}

	artifactHash, err := hash.File(hash.SHA256, path)
	if err != nil {
		report.Error = fmt.Sprintf("failed to rehash artifact: %v", err)
		return report
	}
	report.HashMatches = hash.EqualHex(artifactHash, sidecar.Artifact.ContentHash) &&
		hash.EqualHex(artifactHash, sidecar.Integrity.ArtifactHash)
	if !report.HashMatches {
		report.Warnings = append(report.Warnings, "recomputed artifact hash does not match sidecar")
	}

	report.SignatureValid, report.TrustStatus = v.verifySignature(sidecar)

	if len(sidecar.Integrity.MerkleProof) > 0 {
		steps := make([]hash.ProofStep, len(sidecar.Integrity.MerkleProof))
		for i, s := range sidecar.Integrity.MerkleProof {
			steps[i] = hash.ProofStep{Hash: s.Hash, SiblingLeft: s.SiblingLeft}
		}
		report.MerkleValid = hash.VerifyProof(sidecar.Integrity.ArtifactHash, steps, sidecar.Integrity.MerkleRoot)
		if !report.MerkleValid {
			report.Warnings = append(report.Warnings, "merkle inclusion proof failed to verify")
		}
	} else {
		report.MerkleValid = true
		report.Warnings = append(report.Warnings, "no merkle proof present; batch inclusion not checked")
	}

	if sidecar.Integrity.PreviousLinkHash != "" {
		if v.Ledger == nil {
			report.Warnings = append(report.Warnings, "sidecar references a ledger link but no ledger was supplied for verification")
			report.ChainValid = true
		} else {
			report.ChainValid = v.verifyChainContinuity(sidecar.Integrity.PreviousLinkHash)
			if !report.ChainValid {
				report.Warnings = append(report.Warnings, "sidecar's previousLinkHash does not appear in the ledger")
			}
		}
	} else {
		report.ChainValid = true
		report.Warnings = append(report.Warnings, "sidecar carries no ledger reference")
	}

	report.Valid = report.HashMatches && report.SignatureValid && report.ChainValid && report.MerkleValid &&
		report.TrustStatus != keystore.StatusRevoked && report.TrustStatus != "unknown"
	return report
}

func (v *Verifier) verifySignature(sidecar models.Sidecar) (valid bool, trustStatus string) {
	if v.KeyStore == nil {
		return false, "unknown"
	}
	tree, err := canon.ToTree(sidecar)
	if err != nil {
		return false, "unknown"
	}
	projection := canon.SigningProjection(tree)
	canonicalBytes, err := canon.Canonicalize(projection, canon.Default)
	if err != nil {
		return false, "unknown"
	}

	suite := keystore.Suite(sidecar.Signature.Suite)
	var pub []byte
	trustStatus = "unknown"
	if v.Trust != nil {
		if entry, ok := v.Trust.Lookup(sidecar.Signature.KeyFingerprint); ok {
			if decoded, decErr := base64.StdEncoding.DecodeString(entry.PublicKeyB64); decErr == nil {
				pub = decoded
			}
			signedAt, parseErr := time.Parse(time.RFC3339, sidecar.Signature.SignedAt)
			if parseErr != nil {
				signedAt = time.Now()
			}
			trustStatus = v.Trust.TrustStatus(sidecar.Signature.KeyFingerprint, signedAt, v.graceWindow())
		}
	}
	if len(pub) == 0 {
		return false, trustStatus
	}

	ok, err := v.KeyStore.Verify(suite, pub, canonicalBytes, sidecar.Signature)
	if err != nil {
		return false, trustStatus
	}
	return ok, trustStatus
}

func (v *Verifier) graceWindow() time.Duration {
	if v.KeyStore != nil {
		return v.KeyStore.GraceWindow
	}
	return 0
}

func (v *Verifier) verifyChainContinuity(previousLinkHash string) bool {
	for _, link := range v.Ledger.Links() {
		if link.LinkPayloadHash == previousLinkHash {
			return true
		}
	}
	return previousLinkHash == "" // genesis-adjacent attestations carry no reference yet
}

// VerifyBatch verifies N artifacts with per-artifact isolation: one
// failure never short-circuits the rest.
func (v *Verifier) VerifyBatch(paths []string) []models.VerifyReport {
	reports := make([]models.VerifyReport, len(paths))
	for i, p := range paths {
		reports[i] = v.VerifyArtifact(p)
	}
	return reports
}
