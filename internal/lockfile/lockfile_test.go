package lockfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kgenhq/kgen/internal/models"
)

func sampleContext() models.ProjectContext {
	return models.ProjectContext{
		ProjectID:      "proj-1",
		ProjectName:    "demo",
		ProjectVersion: "1.0.0",
		Templates: map[string]models.TemplateLock{
			"tpl-b": {Version: "1.0", Source: "b.tmpl", Hash: "sha256:b", Dependencies: []string{"tpl-a"}},
			"tpl-a": {Version: "1.0", Source: "a.tmpl", Hash: "sha256:a"},
		},
		Rules: map[string]models.RuleLock{
			"rule-1": {Version: "1.0", Type: "cel", Hash: "sha256:r1"},
		},
		Schemas: map[string]models.SchemaLock{
			"schema-1": {Version: "1.0", Format: "json-schema", Hash: "sha256:s1"},
		},
		Engine:  models.EngineInfo{Name: "test-engine", Version: "1.0"},
		Runtime: models.RuntimeInfo{OS: "linux", Arch: "amd64"},
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := &Generator{TimeFunc: func() time.Time { return fixed }}

	lf1, err := g.Generate(sampleContext())
	if err != nil {
		t.Fatal(err)
	}
	lf2, err := g.Generate(sampleContext())
	if err != nil {
		t.Fatal(err)
	}
	if lf1.LockfileHash != lf2.LockfileHash {
		t.Fatalf("expected identical lockfileHash across equal contexts, got %s vs %s", lf1.LockfileHash, lf2.LockfileHash)
	}
	if lf1.GeneratedAt != fixed.UTC().Format(time.RFC3339) {
		t.Fatalf("expected generatedAt to come from injected clock, got %s", lf1.GeneratedAt)
	}
}

func TestGenerateDetectsDependencyCycle(t *testing.T) {
	ctx := sampleContext()
	ctx.Templates["tpl-a"] = models.TemplateLock{Version: "1.0", Hash: "sha256:a", Dependencies: []string{"tpl-b"}}
	// now tpl-a -> tpl-b -> tpl-a

	g := New()
	if _, err := g.Generate(ctx); err == nil {
		t.Fatal("expected a dependency cycle error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kgen-lock.json")

	g := New()
	lf, err := g.Generate(sampleContext())
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(lf, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LockfileHash != lf.LockfileHash {
		t.Fatal("expected reloaded lockfile to match saved lockfile")
	}
}

func TestValidateFlagsHashDriftAsIssueAndVersionDriftAsWarning(t *testing.T) {
	g := New()
	ctx := sampleContext()
	existing, err := g.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	drifted := sampleContext()
	tplA := drifted.Templates["tpl-a"]
	tplA.Hash = "sha256:changed"
	drifted.Templates["tpl-a"] = tplA

	ruleLock := drifted.Rules["rule-1"]
	ruleLock.Version = "1.1"
	drifted.Rules["rule-1"] = ruleLock

	v, err := g.Validate(existing, drifted)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid {
		t.Fatal("expected hash drift to invalidate the lockfile")
	}
	foundHashIssue := false
	for _, issue := range v.Issues {
		if issue.Kind == "hash_drift" {
			foundHashIssue = true
		}
	}
	if !foundHashIssue {
		t.Fatal("expected a hash_drift issue for tpl-a")
	}
}

func TestUpdateAppliesChangesAndChainsPreviousHash(t *testing.T) {
	g := New()
	ctx := sampleContext()
	existing, err := g.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	newTemplate := models.TemplateLock{Version: "1.0", Source: "c.tmpl", Hash: "sha256:c"}
	updated, err := g.Update(existing, ctx, []models.ChangeOp{
		{Component: "templates", Op: "add", ID: "tpl-c", Template: &newTemplate},
		{Component: "rules", Op: "remove", ID: "rule-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := updated.Templates["tpl-c"]; !ok {
		t.Fatal("expected tpl-c to be added")
	}
	if _, ok := updated.Rules["rule-1"]; ok {
		t.Fatal("expected rule-1 to be removed")
	}
	if updated.PreviousHash != existing.LockfileHash {
		t.Fatal("expected previousHash to chain to existing lockfileHash")
	}
}
