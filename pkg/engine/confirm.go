package engine

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// autoConfirmEnv builds the variables visible to auto-confirm expressions.
// Example expressions: `destroy == 0`, `total <= 5 && operation == "plan"`.
func autoConfirmEnv(module *Module, run *ModuleRun) map[string]any {
	var summary PlanSummary
	if run != nil && run.PlanSummary != nil {
		summary = *run.PlanSummary
	}
	env := map[string]any{
		"add":       summary.Add,
		"change":    summary.Change,
		"destroy":   summary.Destroy,
		"total":     summary.Add + summary.Change + summary.Destroy,
		"operation": "",
		"module":    "",
		"variables": map[string]any{},
	}
	if module != nil {
		env["module"] = module.Name
	}
	if run != nil {
		env["operation"] = string(run.Operation)
		if run.Variables != nil {
			env["variables"] = run.Variables
		}
	}
	return env
}

// ValidateAutoConfirm checks that an auto-confirm expression compiles to a boolean.
func ValidateAutoConfirm(src string) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	if _, err := expr.Compile(src, expr.Env(autoConfirmEnv(nil, nil)), expr.AsBool()); err != nil {
		return fmt.Errorf("compile auto-confirm %q: %w", src, err)
	}
	return nil
}

// evaluateAutoConfirm reports whether the module's expression approves the plan.
// An empty expression never confirms.
func evaluateAutoConfirm(module *Module, run *ModuleRun) (bool, error) {
	src := strings.TrimSpace(module.AutoConfirm)
	if src == "" {
		return false, nil
	}
	env := autoConfirmEnv(module, run)
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile auto-confirm %q: %w", src, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval auto-confirm %q: %w", src, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("auto-confirm %q did not return bool (got %T)", src, output)
	}
	return result, nil
}
