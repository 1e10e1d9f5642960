// Package attestation implements C4 Attestation Builder: it turns one
// completed render (artifact bytes plus generation context) into a
// signed sidecar record written next to the artifact.
package attestation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/ledger"
	"github.com/kgenhq/kgen/internal/models"
)

// SidecarExtension is appended to an artifact's path to get its
// sidecar's path.
const SidecarExtension = ".attest.json"

// Input is everything the external rendering engine hands the builder
// after finishing one artifact.
type Input struct {
	ArtifactPath string
	MimeType     string
	GitBlobSha   string

	TemplateID     string
	TemplateHash   string
	Rules          []models.RuleRef
	InputGraphHash string
	EngineName     string
	EngineVersion  string
	Agent          models.Agent
	OperationID    string
	ReasoningChain []string

	Environment     models.Environment
	StrictEnv       bool
	AllowPassthrough bool
	ProvO           interface{}
}

// Builder assembles, signs, and writes sidecars. It tracks paths seen
// within one operation to enforce the "duplicate path is a hard error"
// rule.
type Builder struct {
	mu       sync.Mutex
	seen     map[string]bool
	keystore *keystore.KeyStore
	keypair  *keystore.KeypairHandle
	ledger   *ledger.Ledger
	TimeFunc func() time.Time
	IDFunc   func() string
}

// New constructs a Builder bound to one project's keystore/keypair and
// ledger.
func New(ks *keystore.KeyStore, h *keystore.KeypairHandle, l *ledger.Ledger) *Builder {
	return &Builder{
		seen:     make(map[string]bool),
		keystore: ks,
		keypair:  h,
		ledger:   l,
		TimeFunc: time.Now,
		IDFunc:   func() string { return uuid.NewString() },
	}
}

// Build runs the full sidecar assembly pipeline for one artifact and
// writes it atomically at "<artifact>.attest.json".
func (b *Builder) Build(in Input) (models.Sidecar, error) {
	b.mu.Lock()
	if b.seen[in.ArtifactPath] {
		b.mu.Unlock()
		return models.Sidecar{}, errkind.New(errkind.Config, "attestation.Build",
			fmt.Sprintf("artifact path %q attested twice in one operation", in.ArtifactPath))
	}
	b.seen[in.ArtifactPath] = true
	b.mu.Unlock()

	artifactHash, size, err := hashArtifact(in.ArtifactPath)
	if err != nil {
		return models.Sidecar{}, err
	}

	sidecar := models.Sidecar{
		SchemaVersion: models.SidecarSchemaVersion,
		AttestationID: b.IDFunc(),
		CreatedAt:     b.now().UTC().Format(time.RFC3339),
		Artifact: models.Artifact{
			Path:        in.ArtifactPath,
			ContentHash: artifactHash,
			Size:        size,
			MimeType:    in.MimeType,
			GitBlobSha:  in.GitBlobSha,
		},
		Generation: models.Generation{
			TemplateID:     in.TemplateID,
			TemplateHash:   in.TemplateHash,
			Rules:          in.Rules,
			InputGraphHash: in.InputGraphHash,
			EngineName:     in.EngineName,
			EngineVersion:  in.EngineVersion,
			Agent:          in.Agent,
			OperationID:    in.OperationID,
			ReasoningChain: in.ReasoningChain,
		},
		Environment: in.Environment,
		ProvO:       in.ProvO,
	}

	contextHash, err := computeContextHash(sidecar, in.StrictEnv)
	if err != nil {
		return models.Sidecar{}, err
	}

	previousLinkHash := ""
	if b.ledger != nil {
		previousLinkHash, err = b.ledger.NextPreviousHash()
		if err != nil {
			return models.Sidecar{}, err
		}
	}

	sidecar.Integrity = models.Integrity{
		HashAlgorithm:    string(hash.SHA256),
		ArtifactHash:     artifactHash,
		ContextHash:      contextHash,
		PreviousLinkHash: previousLinkHash,
	}

	if b.keystore != nil && b.keypair != nil {
		tree, err := canon.ToTree(sidecar)
		if err != nil {
			return models.Sidecar{}, err
		}
		projection := canon.SigningProjection(tree)
		canonicalBytes, err := canon.Canonicalize(projection, canon.Default)
		if err != nil {
			return models.Sidecar{}, errkind.Wrap(errkind.Canonicalization, "attestation.Build", err)
		}
		sig, err := b.keystore.Sign(b.keypair, canonicalBytes)
		if err != nil {
			return models.Sidecar{}, err
		}
		sidecar.Signature = sig
	}

	if err := writeAtomicJSON(in.ArtifactPath+SidecarExtension, sidecar); err != nil {
		return models.Sidecar{}, err
	}

	if b.ledger != nil {
		if _, err := b.ledger.Append(in.OperationID, []string{artifactHash}); err != nil {
			return models.Sidecar{}, err
		}
	}

	return sidecar, nil
}

func (b *Builder) now() time.Time {
	if b.TimeFunc != nil {
		return b.TimeFunc()
	}
	return time.Now()
}

func hashArtifact(path string) (digest string, size int64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", 0, errkind.Wrap(errkind.IO, "attestation.hashArtifact", statErr)
	}
	digest, err = hash.File(hash.SHA256, path)
	if err != nil {
		return "", 0, errkind.New(errkind.IO, "attestation.hashArtifact", fmt.Sprintf("artifact unreadable: %v", err))
	}
	return digest, info.Size(), nil
}

// computeContextHash binds the artifact to its generation context:
// H(canon(signing-projection without integrity and without signature)).
// Environment is excluded unless strictEnv is set.
func computeContextHash(sidecar models.Sidecar, strictEnv bool) (string, error) {
	m, err := canon.ToTree(sidecar)
	if err != nil {
		return "", err
	}
	delete(m, "integrity")
	delete(m, "signature")
	if !strictEnv {
		delete(m, "environment")
	}
	digest, err := hash.Canonical(m, canon.Default)
	if err != nil {
		return "", errkind.Wrap(errkind.Canonicalization, "attestation.computeContextHash", err)
	}
	return digest, nil
}

func writeAtomicJSON(path string, v interface{}) error {
	tree, err := canon.ToTree(v)
	if err != nil {
		return err
	}
	data, err := canon.Canonicalize(tree, canon.Default)
	if err != nil {
		return errkind.Wrap(errkind.Canonicalization, "attestation.writeAtomicJSON", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errkind.Wrap(errkind.IO, "attestation.writeAtomicJSON", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errkind.Wrap(errkind.IO, "attestation.writeAtomicJSON", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "attestation.writeAtomicJSON", err)
	}
	return nil
}
