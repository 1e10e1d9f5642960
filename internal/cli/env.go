package cli

import (
	"os"
	"strconv"
	"time"

	"github.com/kgenhq/kgen/internal/version"
)

// envOrDefault returns the named environment variable's value, or def
// if it is unset or empty.
func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// clockFromEnv resolves the deterministic clock SOURCE_DATE_EPOCH
// names: a Unix timestamp that, when set, every component's TimeFunc
// is pointed at instead of the live wall clock. ok is false when the
// variable is unset or not a valid integer, in which case callers
// leave TimeFunc at its time.Now default.
func clockFromEnv() (fn func() time.Time, ok bool) {
	v := os.Getenv("SOURCE_DATE_EPOCH")
	if v == "" {
		return nil, false
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, false
	}
	stamp := time.Unix(epoch, 0).UTC()
	return func() time.Time { return stamp }, true
}

// engineVersionOr resolves the engine version recorded in provenance:
// the explicit flag value if set, else KGEN_VERSION, else the
// compiled-in module version.
func engineVersionOr(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("KGEN_VERSION"); v != "" {
		return v
	}
	return version.BuildVersion()
}
