package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kgenhq/kgen/internal/models"
	"github.com/kgenhq/kgen/internal/policy"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const colorBold = "\033[1m"

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy management commands",
	Long:  `Evaluate CEL policies against reproducibility, verification, and lockfile reports.`,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a report against a CEL policy",
	Long: `Evaluate a CEL policy (file or built-in preset) against a report
produced by 'reproduce', 'verify', or 'lock'.

Example:
  kgen policy check --preset baseline --report report.json --type reproduce
  kgen policy check --policy ./policy.yaml --report mcp-lock.json --type lockfile`,
	SilenceUsage: true,
	RunE:         runPolicyCheck,
}

var (
	policyFile       string
	policyPresetFlag string
	policyReportFlag string
	policyTypeFlag   string
)

func init() {
	policyCheckCmd.Flags().StringVarP(&policyFile, "policy", "P", "", "Path to policy YAML file")
	policyCheckCmd.Flags().StringVar(&policyPresetFlag, "preset", "", "Built-in preset: baseline or strict (default if neither --policy nor --preset given)")
	policyCheckCmd.Flags().StringVarP(&policyReportFlag, "report", "r", "", "Path to the JSON report to evaluate")
	policyCheckCmd.Flags().StringVar(&policyTypeFlag, "type", "reproduce", "Report type: reproduce|verify|bundle|lockfile")
	policyCmd.AddCommand(policyCheckCmd)
}

// GetPolicyCmd returns the policy command.
func GetPolicyCmd() *cobra.Command {
	return policyCmd
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	if policyFile != "" && policyPresetFlag != "" {
		return fmt.Errorf("cannot use both --policy and --preset; choose one")
	}
	if policyReportFlag == "" {
		return fmt.Errorf("--report is required")
	}

	config, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	fmt.Printf("%s%sPolicy:%s %s\n\n", colorBold, colorYellow, colorReset, config.Name)

	engine, err := policy.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := engine.CompileAndValidate(config); err != nil {
		return err
	}

	input, err := buildPolicyInput(policyReportFlag, policyTypeFlag)
	if err != nil {
		return err
	}

	results, err := engine.Evaluate(config, input)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	fmt.Printf("%s%sResults:%s\n", colorBold, colorYellow, colorReset)
	fmt.Println(strings.Repeat("-", 50))

	allPassed := true
	for _, result := range results {
		if result.Passed {
			fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, result.RuleName)
		} else {
			allPassed = false
			fmt.Printf("%s✗%s %s\n", colorRed, colorReset, result.RuleName)
			fmt.Printf("  %s→ %s%s\n", colorRed, result.FailureMsg, colorReset)
		}
	}
	fmt.Println(strings.Repeat("-", 50))

	if allPassed {
		fmt.Printf("\n%s%s✓ All policy checks passed%s\n", colorBold, colorGreen, colorReset)
		return nil
	}
	fmt.Printf("\n%s%s✗ Some policy checks failed%s\n", colorBold, colorRed, colorReset)
	os.Exit(1)
	return nil
}

func loadPolicyConfig() (*models.PolicyConfig, error) {
	if policyFile != "" {
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		var config models.PolicyConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
		if len(config.Rules) == 0 {
			return nil, fmt.Errorf("policy must have at least one rule")
		}
		return &config, nil
	}

	presetName := policyPresetFlag
	if presetName == "" {
		presetName = "baseline"
	}
	config := policy.GetPreset(presetName)
	if config == nil {
		return nil, fmt.Errorf("unknown preset: %s (valid: %s)", presetName, strings.Join(policy.ListPresetNames(), ", "))
	}
	return config, nil
}

func buildPolicyInput(reportPath, reportType string) (map[string]interface{}, error) {
	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	switch reportType {
	case "reproduce":
		var r models.ReproducibilityReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to parse reproducibility report: %w", err)
		}
		return policy.ReproducibilityInput(r), nil
	case "verify":
		var r models.VerifyReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to parse verify report: %w", err)
		}
		return policy.VerifyInput(r), nil
	case "bundle":
		var r models.BundleVerifyReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to parse bundle verify report: %w", err)
		}
		return policy.BundleVerifyInput(r), nil
	case "lockfile":
		var lf models.Lockfile
		if err := json.Unmarshal(data, &lf); err != nil {
			return nil, fmt.Errorf("failed to parse lockfile: %w", err)
		}
		return policy.LockfileInput(lf), nil
	default:
		return nil, fmt.Errorf("unknown --type %q (use reproduce|verify|bundle|lockfile)", reportType)
	}
}
