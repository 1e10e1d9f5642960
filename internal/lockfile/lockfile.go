// Package lockfile implements C7 Lockfile Generator: it turns a
// project's live template/rule/schema tables into a canonical,
// byte-deterministic lockfile, validates an existing one against fresh
// input, and applies targeted add/update/remove changes.
package lockfile

import (
	"fmt"
	"sort"
	"time"

	"github.com/kgenhq/kgen/internal/canon"
	"github.com/kgenhq/kgen/internal/errkind"
	"github.com/kgenhq/kgen/internal/hash"
	"github.com/kgenhq/kgen/internal/models"
)

// Generator builds and validates lockfiles. TimeFunc is injectable so
// a reproducible run can stamp generatedAt from a recorded clock
// rather than the live wall clock.
type Generator struct {
	TimeFunc func() time.Time
}

// New constructs a Generator defaulting to the live wall clock.
func New() *Generator {
	return &Generator{TimeFunc: time.Now}
}

func (g *Generator) now() time.Time {
	if g.TimeFunc != nil {
		return g.TimeFunc()
	}
	return time.Now()
}

// Generate normalizes ctx into a canonical Lockfile: component maps
// are traversed in sorted-id order, dependency lists are sorted,
// section hashes and the dependency tree are computed, and the whole
// record is hashed into lockfileHash.
func (g *Generator) Generate(ctx models.ProjectContext) (models.Lockfile, error) {
	lf := models.Lockfile{
		SchemaVersion:  models.LockfileSchemaVersion,
		ProjectID:      ctx.ProjectID,
		ProjectName:    ctx.ProjectName,
		ProjectVersion: ctx.ProjectVersion,
		GeneratedAt:    g.now().UTC().Format(time.RFC3339),
		Templates:      normalizeTemplates(ctx.Templates),
		Rules:          normalizeRules(ctx.Rules),
		Schemas:        ctx.Schemas,
		Engine:         ctx.Engine,
		Runtime:        ctx.Runtime,
		Resources:      sortedResources(ctx.Resources),
		Resolution:     make(map[string]string),
	}

	if err := validateResourcePins(lf.Resources); err != nil {
		return models.Lockfile{}, err
	}

	tree, err := buildDependencyTree(lf.Templates, lf.Rules)
	if err != nil {
		return models.Lockfile{}, err
	}
	lf.DependencyTree = tree

	integrityHashes, err := computeSectionHashes(lf)
	if err != nil {
		return models.Lockfile{}, err
	}
	lf.IntegrityHashes = integrityHashes

	for id, t := range lf.Templates {
		lf.Resolution[id] = t.Version
	}
	for id, r := range lf.Rules {
		lf.Resolution[id] = r.Version
	}

	lockfileHash, err := hashWithoutField(lf, "lockfileHash")
	if err != nil {
		return models.Lockfile{}, err
	}
	lf.LockfileHash = lockfileHash

	return lf, nil
}

func normalizeTemplates(in map[string]models.TemplateLock) map[string]models.TemplateLock {
	out := make(map[string]models.TemplateLock, len(in))
	for id, t := range in {
		t.Dependencies = sortedCopy(t.Dependencies)
		out[id] = t
	}
	return out
}

func normalizeRules(in map[string]models.RuleLock) map[string]models.RuleLock {
	out := make(map[string]models.RuleLock, len(in))
	for id, r := range in {
		r.Dependencies = sortedCopy(r.Dependencies)
		out[id] = r
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func sortedResources(in []models.ResourceLock) []models.ResourceLock {
	out := make([]models.ResourceLock, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// buildDependencyTree traverses declared dependencies across templates
// and rules and detects cycles.
func buildDependencyTree(templates map[string]models.TemplateLock, rules map[string]models.RuleLock) (map[string][]string, error) {
	tree := make(map[string][]string)
	for id, t := range templates {
		tree[id] = t.Dependencies
	}
	for id, r := range rules {
		tree[id] = r.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tree))
	var path []string

	var visit func(node string) error
	visit = func(node string) error {
		switch color[node] {
		case black:
			return nil
		case gray:
			return errkind.New(errkind.DependencyCycle, "lockfile.buildDependencyTree",
				fmt.Sprintf("dependency cycle detected: %v", append(append([]string{}, path...), node)))
		}
		color[node] = gray
		path = append(path, node)
		for _, dep := range tree[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	ids := make([]string, 0, len(tree))
	for id := range tree {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func computeSectionHashes(lf models.Lockfile) (map[string]string, error) {
	wrapper := struct {
		Templates map[string]models.TemplateLock `json:"templates"`
		Rules     map[string]models.RuleLock     `json:"rules"`
		Schemas   map[string]models.SchemaLock   `json:"schemas"`
		Resources []models.ResourceLock          `json:"resources"`
	}{lf.Templates, lf.Rules, lf.Schemas, lf.Resources}

	tree, err := canon.ToTree(wrapper)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(tree))
	for name, section := range tree {
		h, err := hash.Canonical(section, canon.Default)
		if err != nil {
			return nil, errkind.Wrap(errkind.Canonicalization, "lockfile.computeSectionHashes", err)
		}
		out[name] = h
	}
	return out, nil
}

func hashWithoutField(lf models.Lockfile, field string) (string, error) {
	tree, err := canon.ToTree(lf)
	if err != nil {
		return "", err
	}
	delete(tree, field)
	h, err := hash.Canonical(tree, canon.Default)
	if err != nil {
		return "", errkind.Wrap(errkind.Canonicalization, "lockfile.hashWithoutField", err)
	}
	return h, nil
}
