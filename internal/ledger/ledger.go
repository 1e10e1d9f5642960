// Package ledger implements C5 Integrity Ledger: an append-only,
// hash-linked chain of signed links, with Merkle batching over the
// artifact digests appended in one operation.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/keystore"
	"github.com/kgenhq/kgen/internal/models"
)

// Ledger is the explicit handle around one project's link chain. It is
// never a process-wide singleton: callers hold the instance for the
// life of the project.
type Ledger struct {
	mu       sync.Mutex
	rw       sync.RWMutex
	path     string
	links    []models.Link
	keystore *keystore.KeyStore
	keypair  *keystore.KeypairHandle
	TimeFunc func() time.Time
}

// Open loads an existing ledger file at path, or creates a fresh one
// with a genesis link if none exists. ks/h sign every appended link;
// both may be nil for a read-only (verify-only) ledger. timeFunc, if
// non-nil, stamps the genesis link itself (needed when SOURCE_DATE_EPOCH
// governs the very first run against a project); it defaults to
// time.Now.
func Open(path string, ks *keystore.KeyStore, h *keystore.KeypairHandle, timeFunc func() time.Time) (*Ledger, error) {
	if timeFunc == nil {
		timeFunc = time.Now
	}
	l := &Ledger{path: path, keystore: ks, keypair: h, TimeFunc: timeFunc}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		genesis, err := l.buildGenesis()
		if err != nil {
			return nil, err
		}
		l.links = []models.Link{genesis}
		if err := l.persist(); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "ledger.Open", err)
	}
	if len(data) == 0 {
		genesis, err := l.buildGenesis()
		if err != nil {
			return nil, err
		}
		l.links = []models.Link{genesis}
		return l, nil
	}
	if err := json.Unmarshal(data, &l.links); err != nil {
		return nil, errkind.Wrap(errkind.Schema, "ledger.Open", err)
	}
	return l, nil
}

func (l *Ledger) buildGenesis() (models.Link, error) {
	now := l.now()
	link := models.Link{
		Index:           0,
		OperationID:     "genesis",
		Timestamp:       now.UTC().Format(time.RFC3339Nano),
		ArtifactDigests: nil,
		PreviousHash:    models.GenesisPreviousHash,
	}
	payloadHash, err := payloadHashFor(link)
	if err != nil {
		return models.Link{}, err
	}
	link.LinkPayloadHash = payloadHash
	if l.keystore != nil && l.keypair != nil {
		sig, err := l.keystore.Sign(l.keypair, []byte(payloadHash))
		if err != nil {
			return models.Link{}, err
		}
		link.Signature = sig
	}
	return link, nil
}

func (l *Ledger) now() time.Time {
	if l.TimeFunc != nil {
		return l.TimeFunc()
	}
	return time.Now()
}

// payloadHashFor computes H(canon({index, operationId, timestamp,
// artifactDigests[], previousHash})).
func payloadHashFor(link models.Link) (string, error) {
	projection := map[string]interface{}{
		"index":           link.Index,
		"operationId":     link.OperationID,
		"timestamp":       link.Timestamp,
		"artifactDigests": toAnySlice(link.ArtifactDigests),
		"previousHash":    link.PreviousHash,
	}
	h, err := hash.Canonical(projection, canon.Default)
	if err != nil {
		return "", errkind.Wrap(errkind.Canonicalization, "ledger.payloadHashFor", err)
	}
	return h, nil
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// hashPrevious computes H(priorPayloadHash): previousHash is never a
// copy of the prior link's linkPayloadHash, it is a digest of it.
func hashPrevious(priorPayloadHash string) (string, error) {
	h, err := hash.Bytes(hash.SHA256, []byte(priorPayloadHash))
	if err != nil {
		return "", errkind.Wrap(errkind.Integrity, "ledger.hashPrevious", err)
	}
	return h, nil
}

// NextPreviousHash returns the hash to use as previousHash for the
// next appended link: H(tail.linkPayloadHash).
func (l *Ledger) NextPreviousHash() (string, error) {
	l.rw.RLock()
	defer l.rw.RUnlock()
	if len(l.links) == 0 {
		return models.GenesisPreviousHash, nil
	}
	return hashPrevious(l.links[len(l.links)-1].LinkPayloadHash)
}

// Append adds one link for operationID covering artifactDigests,
// validating monotonic timestamp ordering, signing, and persisting.
func (l *Ledger) Append(operationID string, artifactDigests []string) (models.Link, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rw.RLock()
	tail := l.links[len(l.links)-1]
	l.rw.RUnlock()

	now := l.now().UTC()
	tailTime, err := time.Parse(time.RFC3339Nano, tail.Timestamp)
	if err == nil && now.Before(tailTime) {
		return models.Link{}, errkind.New(errkind.Integrity, "ledger.Append",
			fmt.Sprintf("non-monotonic timestamp: %s is before previous link's %s", now.Format(time.RFC3339Nano), tail.Timestamp))
	}

	previousHash, err := hashPrevious(tail.LinkPayloadHash)
	if err != nil {
		return models.Link{}, err
	}

	link := models.Link{
		Index:           tail.Index + 1,
		OperationID:     operationID,
		Timestamp:       now.Format(time.RFC3339Nano),
		ArtifactDigests: artifactDigests,
		PreviousHash:    previousHash,
	}
	payloadHash, err := payloadHashFor(link)
	if err != nil {
		return models.Link{}, err
	}
	link.LinkPayloadHash = payloadHash

	if l.keystore != nil && l.keypair != nil {
		sig, err := l.keystore.Sign(l.keypair, []byte(payloadHash))
		if err != nil {
			return models.Link{}, err
		}
		link.Signature = sig
	}

	l.rw.Lock()
	l.links = append(l.links, link)
	l.rw.Unlock()

	if err := l.persist(); err != nil {
		return models.Link{}, err
	}
	return link, nil
}

// persist writes the full link list atomically: write-to-temp, fsync,
// rename over the live file.
func (l *Ledger) persist() error {
	if l.path == "" {
		return nil
	}
	l.rw.RLock()
	data, err := json.MarshalIndent(l.links, "", "  ")
	l.rw.RUnlock()
	if err != nil {
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "ledger.persist", err)
	}
	return nil
}

// Links returns a defensive copy of the current chain.
func (l *Ledger) Links() []models.Link {
	l.rw.RLock()
	defer l.rw.RUnlock()
	out := make([]models.Link, len(l.links))
	copy(out, l.links)
	return out
}

// BuildMerkleBatch commits a set of artifact digests appended in one
// operation into a Merkle root plus one inclusion proof per leaf.
func BuildMerkleBatch(leaves []string) (models.MerkleBatch, error) {
	if len(leaves) == 0 {
		return models.MerkleBatch{}, nil
	}
	root := hash.MerkleRoot(leaves)
	proofs := make(map[string][]models.MerkleProofStep, len(leaves))
	for i, leaf := range leaves {
		steps, gotRoot, err := hash.MerkleProof(leaves, i)
		if err != nil {
			return models.MerkleBatch{}, errkind.Wrap(errkind.Integrity, "ledger.BuildMerkleBatch", err)
		}
		if gotRoot != root {
			return models.MerkleBatch{}, errkind.New(errkind.Integrity, "ledger.BuildMerkleBatch", "proof root disagrees with tree root")
		}
		out := make([]models.MerkleProofStep, len(steps))
		for j, s := range steps {
			out[j] = models.MerkleProofStep{Hash: s.Hash, SiblingLeft: s.SiblingLeft}
		}
		proofs[leaf] = out
	}
	return models.MerkleBatch{Root: root, Proofs: proofs}, nil
}

// VerifyChain walks every link and reports breaks without attempting
// repair. pub/suite, if non-nil/non-empty, are used to check each
// link's signature; otherwise signatureValid entries are left true
// (unchecked) to support verify-only ledgers with no enrolled key.
func (l *Ledger) VerifyChain(ks *keystore.KeyStore, suite keystore.Suite, pub []byte) models.ChainReport {
	l.rw.RLock()
	links := make([]models.Link, len(l.links))
	copy(links, l.links)
	l.rw.RUnlock()

	report := models.ChainReport{TotalLinks: len(links)}
	if len(links) == 0 {
		return report
	}

	for i, link := range links {
		broken := false

		if i == 0 {
			if link.PreviousHash != models.GenesisPreviousHash {
				report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "genesis previousHash is not the documented constant"})
				broken = true
			}
		} else {
			wantPrev, err := hashPrevious(links[i-1].LinkPayloadHash)
			if err != nil || link.PreviousHash != wantPrev {
				report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "previousHash does not match H(prior link's linkPayloadHash)"})
				broken = true
			}
		}

		wantHash, err := payloadHashFor(link)
		if err != nil || wantHash != link.LinkPayloadHash {
			report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "linkPayloadHash does not match recomputed hash"})
			broken = true
		}

		sigValid := true
		if ks != nil && len(pub) > 0 && link.Signature.Value != "" {
			ok, err := ks.Verify(suite, pub, []byte(link.LinkPayloadHash), link.Signature)
			sigValid = err == nil && ok
			if !sigValid {
				report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "signature verification failed"})
				broken = true
			}
		}
		report.SignatureValid = append(report.SignatureValid, sigValid)

		if !broken {
			report.ValidLinks++
		}
	}

	if report.TotalLinks > 0 {
		report.IntegrityScore = float64(report.ValidLinks) / float64(report.TotalLinks)
	}
	return report
}

// VerifySlice checks continuity and signatures over an arbitrary
// contiguous run of links that may start mid-chain (e.g. a bundle's
// ledger slice). Unlike VerifyChain it never requires links[0] to be
// the genesis link: links[0].previousHash is taken as its own starting
// witness and is not checked against the documented genesis constant.
func VerifySlice(links []models.Link, ks *keystore.KeyStore, suite keystore.Suite, pub []byte) models.ChainReport {
	report := models.ChainReport{TotalLinks: len(links)}
	if len(links) == 0 {
		return report
	}

	for i, link := range links {
		broken := false

		if i > 0 {
			wantPrev, err := hashPrevious(links[i-1].LinkPayloadHash)
			if err != nil || link.PreviousHash != wantPrev {
				report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "previousHash does not match H(prior link's linkPayloadHash)"})
				broken = true
			}
		}

		wantHash, err := payloadHashFor(link)
		if err != nil || wantHash != link.LinkPayloadHash {
			report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "linkPayloadHash does not match recomputed hash"})
			broken = true
		}

		sigValid := true
		if ks != nil && len(pub) > 0 && link.Signature.Value != "" {
			ok, err := ks.Verify(suite, pub, []byte(link.LinkPayloadHash), link.Signature)
			sigValid = err == nil && ok
			if !sigValid {
				report.BrokenLinks = append(report.BrokenLinks, models.BrokenLink{Index: link.Index, Reason: "signature verification failed"})
				broken = true
			}
		}
		report.SignatureValid = append(report.SignatureValid, sigValid)

		if !broken {
			report.ValidLinks++
		}
	}

	if report.TotalLinks > 0 {
		report.IntegrityScore = float64(report.ValidLinks) / float64(report.TotalLinks)
	}
	return report
}
