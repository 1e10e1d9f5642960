package policy

import "github.com/kgenhq/kgen/internal/models"

// LockfileInput projects a Lockfile into the deterministic map-shaped
// view the CEL environment evaluates rules against.
func LockfileInput(lf models.Lockfile) map[string]interface{} {
	templates := make(map[string]interface{}, len(lf.Templates))
	for id, t := range lf.Templates {
		templates[id] = map[string]interface{}{
			"version":      t.Version,
			"source":       t.Source,
			"hash":         t.Hash,
			"dependencies": stringsToAny(t.Dependencies),
		}
	}
	rules := make(map[string]interface{}, len(lf.Rules))
	for id, r := range lf.Rules {
		rules[id] = map[string]interface{}{
			"version":      r.Version,
			"type":         r.Type,
			"hash":         r.Hash,
			"dependencies": stringsToAny(r.Dependencies),
		}
	}
	schemas := make(map[string]interface{}, len(lf.Schemas))
	for id, s := range lf.Schemas {
		schemas[id] = map[string]interface{}{
			"version": s.Version,
			"format":  s.Format,
			"hash":    s.Hash,
		}
	}
	return map[string]interface{}{
		"schemaVersion":  lf.SchemaVersion,
		"projectId":      lf.ProjectID,
		"projectName":    lf.ProjectName,
		"projectVersion": lf.ProjectVersion,
		"templates":      templates,
		"rules":          rules,
		"schemas":        schemas,
		"engine": map[string]interface{}{
			"name":     lf.Engine.Name,
			"version":  lf.Engine.Version,
			"features": stringsToAny(lf.Engine.Features),
		},
		"lockfileHash": lf.LockfileHash,
	}
}

// ReproducibilityInput projects a ReproducibilityReport.
func ReproducibilityInput(r models.ReproducibilityReport) map[string]interface{} {
	builds := make([]interface{}, len(r.Builds))
	for i, b := range r.Builds {
		builds[i] = map[string]interface{}{
			"index":      b.Index,
			"exitStatus": b.ExitStatus,
			"failed":     b.Failed,
			"timedOut":   b.TimedOut,
		}
	}
	return map[string]interface{}{
		"verificationId": r.VerificationID,
		"reproducible":   r.Reproducible,
		"confidence":     r.Confidence,
		"builds":         builds,
	}
}

// VerifyInput projects a VerifyReport.
func VerifyInput(r models.VerifyReport) map[string]interface{} {
	warnings := make([]interface{}, len(r.Warnings))
	for i, w := range r.Warnings {
		warnings[i] = w
	}
	return map[string]interface{}{
		"path":           r.Path,
		"valid":          r.Valid,
		"hashMatches":    r.HashMatches,
		"signatureValid": r.SignatureValid,
		"chainValid":     r.ChainValid,
		"merkleValid":    r.MerkleValid,
		"trustStatus":    r.TrustStatus,
		"warnings":       warnings,
	}
}

// BundleVerifyInput projects a BundleVerifyReport.
func BundleVerifyInput(r models.BundleVerifyReport) map[string]interface{} {
	issues := make([]interface{}, len(r.FileIssues))
	for i, m := range r.FileIssues {
		issues[i] = m
	}
	return map[string]interface{}{
		"valid":            r.Valid,
		"bundleHashMatch":  r.BundleHashMatch,
		"fileIssues":       issues,
		"ledgerValidLinks": r.LedgerChain.ValidLinks,
		"ledgerTotalLinks": r.LedgerChain.TotalLinks,
	}
}

func stringsToAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
