// Package differ renders a structural JSON diff (as produced by
// jsondiff) into both a severity classification and a human-readable
// summary, so a caller can gate automation on severity without
// re-parsing the patch.
package differ

import (
	"strings"

	"github.com/wI2L/jsondiff"
)

// Translate converts a jsondiff patch into deduplicated, human-readable
// change descriptions.
func Translate(patches jsondiff.Patch) []string {
	if len(patches) == 0 {
		return nil
	}

	var translations []string
	seen := make(map[string]bool)

	for _, op := range patches {
		translation := translateOperation(op)
		if translation != "" && !seen[translation] {
			seen[translation] = true
			translations = append(translations, translation)
		}
	}

	return translations
}

func translateOperation(op jsondiff.Operation) string {
	path := op.Path
	opType := op.Type

	switch opType {
	case jsondiff.OperationAdd:
		return translateAdd(path)
	case jsondiff.OperationRemove:
		return translateRemove(path)
	case jsondiff.OperationReplace:
		return translateReplace(path)
	default:
		return ""
	}
}

func fieldNameAt(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func translateAdd(path string) string {
	pathLower := strings.ToLower(path)

	if strings.HasSuffix(pathLower, "/required") || strings.Contains(pathLower, "/required/") {
		return "CRITICAL: new required field added."
	}
	if name := fieldNameAt(path); name != "" {
		return "New field '" + name + "' added."
	}
	return "New field added."
}

func translateRemove(path string) string {
	pathLower := strings.ToLower(path)

	if strings.HasSuffix(pathLower, "/required") || strings.Contains(pathLower, "/required/") {
		return "Required field constraint removed."
	}
	if name := fieldNameAt(path); name != "" {
		return "Field '" + name + "' removed."
	}
	return "Field removed."
}

func translateReplace(path string) string {
	pathLower := strings.ToLower(path)

	if strings.HasSuffix(pathLower, "/required") || strings.Contains(pathLower, "/required/") {
		return "CRITICAL: required field list modified."
	}
	if name := fieldNameAt(path); name != "" {
		return "Field '" + name + "' value changed."
	}
	return "Value changed."
}

// SeverityLevel classifies a diff's risk to downstream automation.
type SeverityLevel int

const (
	SeveritySafe SeverityLevel = iota
	SeverityModerate
	SeverityCritical
)

// GetSeverity classifies a single translated change description.
func GetSeverity(translation string) SeverityLevel {
	lowerMsg := strings.ToLower(translation)

	if strings.Contains(translation, "CRITICAL") ||
		strings.Contains(lowerMsg, "removed") ||
		strings.Contains(lowerMsg, "required") {
		return SeverityCritical
	}
	if strings.Contains(lowerMsg, "added") {
		return SeverityModerate
	}
	return SeverityModerate
}

// OverallSeverity folds a set of translated descriptions into one
// severity: the worst of any individual change, or Safe if there are
// none.
func OverallSeverity(translations []string) SeverityLevel {
	worst := SeveritySafe
	for _, t := range translations {
		if s := GetSeverity(t); s > worst {
			worst = s
		}
	}
	return worst
}
