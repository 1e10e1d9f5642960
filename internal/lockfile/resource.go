package lockfile

import (
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/models"
)

// validateResourcePins rejects any oci:// resource pin whose hash is not
// a well-formed "sha256:<hex>"-shaped digest, the same format the
// artifact/bundle content hashes use. Non-OCI resource URIs are left
// alone; their hash format is the caller's concern.
func validateResourcePins(resources []models.ResourceLock) error {
	for _, r := range resources {
		if !strings.HasPrefix(r.URI, "oci://") {
			continue
		}
		if _, err := v1.NewHash(r.Hash); err != nil {
			return errkind.New(errkind.Schema, "lockfile.validateResourcePins",
				"resource "+r.URI+" has a malformed OCI digest: "+err.Error())
		}
	}
	return nil
}
