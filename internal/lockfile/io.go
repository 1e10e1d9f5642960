package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/models"
)

// Save writes lf atomically (write-to-temp then rename) as indented
// JSON for human readability; hashing/signing always goes through the
// canonical form, never this on-disk representation.
func Save(lf models.Lockfile, path string) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.IO, "lockfile.Save", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errkind.Wrap(errkind.IO, "lockfile.Save", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errkind.Wrap(errkind.IO, "lockfile.Save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.IO, "lockfile.Save", err)
	}
	return nil
}

// Load reads a lockfile from path.
func Load(path string) (models.Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Lockfile{}, errkind.Wrap(errkind.IO, "lockfile.Load", err)
	}
	var lf models.Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return models.Lockfile{}, errkind.Wrap(errkind.Schema, "lockfile.Load", err)
	}
	return lf, nil
}

// Exists reports whether a lockfile is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
