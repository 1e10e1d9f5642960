package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kgenhq/kgen/internal/errkind"
)

// maxBackups bounds how many rotated-out keypairs are retained under
// backup/ before the oldest is pruned.
const maxBackups = 5

// RotateResult reports what Rotate produced, for callers that need to
// surface the new fingerprint or update other records.
type RotateResult struct {
	New        *KeypairHandle
	OldFingerprint string
	BackupPrivPath string
	BackupPubPath  string
}

// Rotate generates a fresh keypair of the same suite as the key
// currently at privPath, atomically moves the old private/public key
// files into backup/<timestamp>-<name>, prunes old backups beyond
// maxBackups, writes the new keypair in their place, and marks the old
// fingerprint "rotated" (pointing at the new fingerprint) in trust.
//
// trust may be nil, in which case no trust-store bookkeeping happens.
func (ks *KeyStore) Rotate(privPath, pubPath, passphrase string, trust *TrustStore) (*RotateResult, error) {
	ks.mu.Lock()
	now := time.Now
	if ks.TimeFunc != nil {
		now = ks.TimeFunc
	}
	ts := now()
	ks.mu.Unlock()

	old, err := ks.LoadKeypair(privPath, passphrase, false)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, "keystore.Rotate", err)
	}

	dir := filepath.Dir(privPath)
	backupDir := filepath.Join(dir, "backup")
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, errkind.Wrap(errkind.IO, "keystore.Rotate", err)
	}

	stamp := ts.UTC().Format("20060102T150405Z")
	backupPriv := filepath.Join(backupDir, fmt.Sprintf("%s-%s", stamp, filepath.Base(privPath)))
	backupPub := ""

	if err := os.Rename(privPath, backupPriv); err != nil {
		return nil, errkind.Wrap(errkind.IO, "keystore.Rotate", err)
	}
	if pubPath != "" {
		if _, err := os.Stat(pubPath); err == nil {
			backupPub = filepath.Join(backupDir, fmt.Sprintf("%s-%s", stamp, filepath.Base(pubPath)))
			if err := os.Rename(pubPath, backupPub); err != nil {
				return nil, errkind.Wrap(errkind.IO, "keystore.Rotate", err)
			}
		}
	}

	if err := pruneBackups(backupDir, maxBackups); err != nil {
		return nil, errkind.Wrap(errkind.IO, "keystore.Rotate", err)
	}

	newHandle, err := ks.GenerateKeypair(old.Suite)
	if err != nil {
		return nil, err
	}
	if err := ks.SaveKeypair(newHandle, privPath, pubPath, passphrase); err != nil {
		return nil, err
	}

	if trust != nil {
		trust.MarkRotated(old.Fingerprint, newHandle.Fingerprint, ts)
		trust.Add(newHandle.Fingerprint, newHandle.Suite, newHandle.PublicKey, ts, fmt.Sprintf("rotated from %s", old.Fingerprint))
		if err := trust.Save(); err != nil {
			return nil, err
		}
	}

	return &RotateResult{
		New:            newHandle,
		OldFingerprint: old.Fingerprint,
		BackupPrivPath: backupPriv,
		BackupPubPath:  backupPub,
	}, nil
}

// pruneBackups keeps only the keep most recent <timestamp>-prefixed
// entries in dir, deleting older ones. Entries are grouped by their
// leading timestamp so a priv/pub pair rotated together is pruned as a
// unit.
func pruneBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	stamps := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		idx := strings.Index(name, "-")
		if idx <= 0 {
			continue
		}
		stamps[name[:idx]] = true
	}
	if len(stamps) <= keep {
		return nil
	}
	ordered := make([]string, 0, len(stamps))
	for s := range stamps {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered) // timestamps are lexically sortable (20060102T150405Z)

	toRemove := ordered[:len(ordered)-keep]
	removeSet := make(map[string]bool, len(toRemove))
	for _, s := range toRemove {
		removeSet[s] = true
	}
	for _, e := range entries {
		name := e.Name()
		idx := strings.Index(name, "-")
		if idx <= 0 {
			continue
		}
		if removeSet[name[:idx]] {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}
