// Package policy implements the CEL policy-evaluator hook: a compiled
// environment that runs boolean rule expressions against a
// deterministic map-shaped view of a Lockfile, ReproducibilityReport,
// VerifyReport, or BundleVerifyReport. It never encodes
// framework-specific compliance text itself.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/kgenhq/kgen/internal/models"
)

// Engine is the policy evaluation engine using CEL.
type Engine struct {
	env *cel.Env
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Evaluate checks every rule in config against input, a map produced
// by one of LockfileInput/ReproducibilityInput/VerifyInput/
// BundleVerifyInput.
func (e *Engine) Evaluate(config *models.PolicyConfig, input map[string]interface{}) ([]models.PolicyResult, error) {
	results := make([]models.PolicyResult, 0, len(config.Rules))
	for _, rule := range config.Rules {
		result, err := e.evaluateRule(rule, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %q: %w", rule.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) evaluateRule(rule models.PolicyRule, input map[string]interface{}) (models.PolicyResult, error) {
	ast, issues := e.env.Compile(rule.Expr)
	if issues != nil && issues.Err() != nil {
		return models.PolicyResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL compile error: %v", issues.Err()),
		}, nil
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return models.PolicyResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL program error: %v", err),
		}, nil
	}

	out, _, err := prg.Eval(map[string]interface{}{"input": input})
	if err != nil {
		return models.PolicyResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL evaluation error: %v", err),
		}, nil
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return models.PolicyResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("rule expression must return boolean, got %T", out.Value()),
		}, nil
	}

	result := models.PolicyResult{RuleName: rule.Name, Passed: passed}
	if !passed {
		result.FailureMsg = rule.FailureMsg
	}
	return result, nil
}

// CompileAndValidate checks every rule's CEL expression compiles
// without running it.
func (e *Engine) CompileAndValidate(config *models.PolicyConfig) error {
	var errs []string
	for _, rule := range config.Rules {
		_, issues := e.env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			errs = append(errs, fmt.Sprintf("rule %q: %v", rule.Name, issues.Err()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("policy validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
