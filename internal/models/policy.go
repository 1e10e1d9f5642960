package models

// PolicyConfig is a named set of CEL rules evaluated against a
// deterministic map view of a Lockfile/ReproducibilityReport/VerifyReport.
// The core supplies the evaluation hook (internal/policy); it never
// encodes framework-specific text (SOX/GDPR/...) itself.
type PolicyConfig struct {
	Name  string       `yaml:"name" json:"name"`
	Rules []PolicyRule `yaml:"rules" json:"rules"`
}

// PolicyRule is one named CEL boolean expression with a failure message.
type PolicyRule struct {
	Name       string `yaml:"name" json:"name"`
	Expr       string `yaml:"expr" json:"expr"`
	FailureMsg string `yaml:"failure_msg" json:"failureMsg"`
}

// PolicyResult is the outcome of evaluating one PolicyRule.
type PolicyResult struct {
	RuleName   string `json:"ruleName"`
	Passed     bool   `json:"passed"`
	FailureMsg string `json:"failureMsg,omitempty"`
}
