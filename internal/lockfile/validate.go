package lockfile

import (
	"fmt"

	"github.com/kgenhq/kgen/internal/models"
)

// Validate checks an existing lockfile's structure and compares it
// against fresh context, reporting hash drift as a hard issue and
// version-only drift as a warning.
func (g *Generator) Validate(existing models.Lockfile, ctx models.ProjectContext) (models.Validation, error) {
	v := models.Validation{Valid: true}

	if existing.SchemaVersion != models.LockfileSchemaVersion {
		v.Issues = append(v.Issues, models.Issue{
			Component: "schemaVersion",
			Kind:      "incompatible_schema",
			Message:   fmt.Sprintf("lockfile schemaVersion %q is incompatible with current %q", existing.SchemaVersion, models.LockfileSchemaVersion),
		})
	}
	if existing.LockfileHash == "" {
		v.Issues = append(v.Issues, models.Issue{Component: "lockfileHash", Kind: "missing_field", Message: "lockfile carries no lockfileHash"})
	}

	fresh, err := g.Generate(ctx)
	if err != nil {
		return models.Validation{}, err
	}

	diffTemplates(&v, existing.Templates, fresh.Templates)
	diffRules(&v, existing.Rules, fresh.Rules)
	diffSchemas(&v, existing.Schemas, fresh.Schemas)

	for section, wantHash := range fresh.IntegrityHashes {
		if gotHash, ok := existing.IntegrityHashes[section]; !ok || gotHash != wantHash {
			v.Issues = append(v.Issues, models.Issue{
				Component: section,
				Kind:      "integrity_hash_mismatch",
				Message:   fmt.Sprintf("section %q integrity hash does not match recomputed value", section),
			})
		}
	}

	if len(v.Issues) > 0 {
		v.Valid = false
	}
	if len(v.Warnings) > 0 {
		v.Recommendations = append(v.Recommendations, "run the lockfile update operation to absorb version-only drift")
	}
	return v, nil
}

func diffTemplates(v *models.Validation, existing, fresh map[string]models.TemplateLock) {
	for id, oldT := range existing {
		newT, ok := fresh[id]
		if !ok {
			v.Issues = append(v.Issues, models.Issue{Component: "templates:" + id, Kind: "removed", Message: fmt.Sprintf("template %q is no longer present", id)})
			continue
		}
		if oldT.Hash != newT.Hash {
			v.Issues = append(v.Issues, models.Issue{Component: "templates:" + id, Kind: "hash_drift", Message: fmt.Sprintf("template %q content hash changed", id)})
		} else if oldT.Version != newT.Version {
			v.Warnings = append(v.Warnings, models.Warning{Component: "templates:" + id, Message: fmt.Sprintf("template %q version changed from %s to %s with identical content hash", id, oldT.Version, newT.Version)})
		}
	}
	for id := range fresh {
		if _, ok := existing[id]; !ok {
			v.Warnings = append(v.Warnings, models.Warning{Component: "templates:" + id, Message: fmt.Sprintf("template %q is new", id)})
		}
	}
}

func diffRules(v *models.Validation, existing, fresh map[string]models.RuleLock) {
	for id, oldR := range existing {
		newR, ok := fresh[id]
		if !ok {
			v.Issues = append(v.Issues, models.Issue{Component: "rules:" + id, Kind: "removed", Message: fmt.Sprintf("rule %q is no longer present", id)})
			continue
		}
		if oldR.Hash != newR.Hash {
			v.Issues = append(v.Issues, models.Issue{Component: "rules:" + id, Kind: "hash_drift", Message: fmt.Sprintf("rule %q content hash changed", id)})
		} else if oldR.Version != newR.Version {
			v.Warnings = append(v.Warnings, models.Warning{Component: "rules:" + id, Message: fmt.Sprintf("rule %q version changed from %s to %s with identical content hash", id, oldR.Version, newR.Version)})
		}
	}
	for id := range fresh {
		if _, ok := existing[id]; !ok {
			v.Warnings = append(v.Warnings, models.Warning{Component: "rules:" + id, Message: fmt.Sprintf("rule %q is new", id)})
		}
	}
}

func diffSchemas(v *models.Validation, existing, fresh map[string]models.SchemaLock) {
	for id, oldS := range existing {
		newS, ok := fresh[id]
		if !ok {
			v.Issues = append(v.Issues, models.Issue{Component: "schemas:" + id, Kind: "removed", Message: fmt.Sprintf("schema %q is no longer present", id)})
			continue
		}
		if oldS.Hash != newS.Hash {
			v.Issues = append(v.Issues, models.Issue{Component: "schemas:" + id, Kind: "hash_drift", Message: fmt.Sprintf("schema %q content hash changed", id)})
		}
	}
	for id := range fresh {
		if _, ok := existing[id]; !ok {
			v.Warnings = append(v.Warnings, models.Warning{Component: "schemas:" + id, Message: fmt.Sprintf("schema %q is new", id)})
		}
	}
}

// Update applies add/update/remove ChangeOps to existing's context and
// re-runs Generate so every derived field is freshly canonical. The
// result carries previousHash = existing.lockfileHash.
func (g *Generator) Update(existing models.Lockfile, ctx models.ProjectContext, changes []models.ChangeOp) (models.Lockfile, error) {
	next := ctx
	next.Templates = copyTemplates(ctx.Templates)
	next.Rules = copyRules(ctx.Rules)
	next.Schemas = copySchemas(ctx.Schemas)

	for _, c := range changes {
		switch c.Component {
		case "templates":
			applyTemplateChange(next.Templates, c)
		case "rules":
			applyRuleChange(next.Rules, c)
		case "schemas":
			applySchemaChange(next.Schemas, c)
		}
	}

	lf, err := g.Generate(next)
	if err != nil {
		return models.Lockfile{}, err
	}
	lf.PreviousHash = existing.LockfileHash
	return lf, nil
}

func copyTemplates(in map[string]models.TemplateLock) map[string]models.TemplateLock {
	out := make(map[string]models.TemplateLock, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyRules(in map[string]models.RuleLock) map[string]models.RuleLock {
	out := make(map[string]models.RuleLock, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySchemas(in map[string]models.SchemaLock) map[string]models.SchemaLock {
	out := make(map[string]models.SchemaLock, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func applyTemplateChange(m map[string]models.TemplateLock, c models.ChangeOp) {
	switch c.Op {
	case "add", "update":
		if c.Template != nil {
			m[c.ID] = *c.Template
		}
	case "remove":
		delete(m, c.ID)
	}
}

func applyRuleChange(m map[string]models.RuleLock, c models.ChangeOp) {
	switch c.Op {
	case "add", "update":
		if c.Rule != nil {
			m[c.ID] = *c.Rule
		}
	case "remove":
		delete(m, c.ID)
	}
}

func applySchemaChange(m map[string]models.SchemaLock, c models.ChangeOp) {
	switch c.Op {
	case "add", "update":
		if c.Schema != nil {
			m[c.ID] = *c.Schema
		}
	case "remove":
		delete(m, c.ID)
	}
}
