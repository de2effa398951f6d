package policy

import (
	"sort"
	"strings"
)

// Effective is the policy that applies to one target after resolution.
type Effective struct {
	// Rules is the resolved rule set.
	Rules Rules `json:"rules"`

	// Sources maps each set rule to the scope that supplied its value.
	Sources map[string]Scope `json:"sources"`

	// EnforcementLevel is the level failures are treated with.
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`

	// EnforcementScope is the scope that decided the enforcement level, empty
	// when nothing is bound.
	EnforcementScope Scope `json:"enforcement_scope,omitempty"`

	// Templates names the templates that contributed, most specific scope first.
	Templates []string `json:"templates,omitempty"`

	// Rego holds the custom Rego modules of the contributing templates, by template name.
	Rego map[string]string `json:"-"`
}

// LegacyTemplateName names the artifact's inline policy in resolution results.
const LegacyTemplateName = "artifact-inline-policy"

// MergeWithinScope combines the rule sets bound at one scope, keeping the
// strictest value of every rule.
func MergeWithinScope(sets ...Rules) Rules {
	var merged Rules
	for _, r := range sets {
		if r.MinApprovers != nil && (merged.MinApprovers == nil || *r.MinApprovers > *merged.MinApprovers) {
			merged.MinApprovers = intValue(*r.MinApprovers)
		}
		if r.RequiredScanGrade != nil {
			grade := strings.ToUpper(strings.TrimSpace(*r.RequiredScanGrade))
			if merged.RequiredScanGrade == nil || grade < *merged.RequiredScanGrade {
				merged.RequiredScanGrade = &grade
			}
		}
		merged.AutoApprovePatches = mergeVeto(merged.AutoApprovePatches, r.AutoApprovePatches)
		merged.RequirePassingTests = mergeRequire(merged.RequirePassingTests, r.RequirePassingTests)
		merged.RequirePassingValidate = mergeRequire(merged.RequirePassingValidate, r.RequirePassingValidate)
		merged.PreventSelfApproval = mergeRequire(merged.PreventSelfApproval, r.PreventSelfApproval)
	}
	return merged
}

// mergeVeto lets an explicit false win over true.
func mergeVeto(current, next *bool) *bool {
	if next == nil {
		return current
	}
	if current == nil {
		return boolValue(*next)
	}
	return boolValue(*current && *next)
}

// mergeRequire lets true win over false.
func mergeRequire(current, next *bool) *bool {
	if next == nil {
		return current
	}
	if current == nil {
		return boolValue(*next)
	}
	return boolValue(*current || *next)
}

// ResolveAcrossScopes picks, for every rule, the value of the most specific
// scope that sets it. It returns the resolved rules and the winning scope per rule.
func ResolveAcrossScopes(byScope map[Scope]Rules) (Rules, map[string]Scope) {
	var resolved Rules
	sources := make(map[string]Scope)

	for _, scope := range Scopes {
		r, ok := byScope[scope]
		if !ok {
			continue
		}
		if resolved.MinApprovers == nil && r.MinApprovers != nil {
			resolved.MinApprovers = intValue(*r.MinApprovers)
			sources[RuleMinApprovers] = scope
		}
		if resolved.AutoApprovePatches == nil && r.AutoApprovePatches != nil {
			resolved.AutoApprovePatches = boolValue(*r.AutoApprovePatches)
			sources[RuleAutoApprovePatches] = scope
		}
		if resolved.RequiredScanGrade == nil && r.RequiredScanGrade != nil {
			grade := *r.RequiredScanGrade
			resolved.RequiredScanGrade = &grade
			sources[RuleRequiredScanGrade] = scope
		}
		if resolved.RequirePassingTests == nil && r.RequirePassingTests != nil {
			resolved.RequirePassingTests = boolValue(*r.RequirePassingTests)
			sources[RuleRequirePassingTests] = scope
		}
		if resolved.RequirePassingValidate == nil && r.RequirePassingValidate != nil {
			resolved.RequirePassingValidate = boolValue(*r.RequirePassingValidate)
			sources[RuleRequirePassingValidate] = scope
		}
		if resolved.PreventSelfApproval == nil && r.PreventSelfApproval != nil {
			resolved.PreventSelfApproval = boolValue(*r.PreventSelfApproval)
			sources[RulePreventSelfApproval] = scope
		}
	}

	return resolved, sources
}

// Resolve computes the effective policy from the templates bound to a target
// and the target's legacy inline policy. Bindings that do not match the target
// are ignored.
func Resolve(target Target, bound []BoundTemplate) *Effective {
	perScope := make(map[Scope][]Rules)
	levels := make(map[Scope]EnforcementLevel)
	names := make(map[Scope][]string)
	regos := make(map[string]string)

	addLevel := func(scope Scope, level EnforcementLevel) {
		if current, ok := levels[scope]; !ok || level.strictness() > current.strictness() {
			levels[scope] = level
		}
	}

	if target.Legacy != nil && !target.Legacy.IsEmpty() {
		perScope[ScopeArtifact] = append(perScope[ScopeArtifact], *target.Legacy)
		addLevel(ScopeArtifact, EnforcementBlock)
		names[ScopeArtifact] = append(names[ScopeArtifact], LegacyTemplateName)
	}

	for i := range bound {
		bt := &bound[i]
		if !bt.Binding.Matches(target) {
			continue
		}
		scope := bt.Binding.Scope
		perScope[scope] = append(perScope[scope], bt.Template.Rules)
		addLevel(scope, bt.Template.EnforcementLevel)
		names[scope] = append(names[scope], bt.Template.Name)
		if bt.Template.Rego != "" {
			regos[bt.Template.Name] = bt.Template.Rego
		}
	}

	byScope := make(map[Scope]Rules, len(perScope))
	for scope, sets := range perScope {
		byScope[scope] = MergeWithinScope(sets...)
	}

	rules, sources := ResolveAcrossScopes(byScope)
	eff := &Effective{
		Rules:            rules,
		Sources:          sources,
		EnforcementLevel: EnforcementBlock,
		Rego:             regos,
	}

	for _, scope := range Scopes {
		if level, ok := levels[scope]; ok && eff.EnforcementScope == "" {
			eff.EnforcementLevel = level
			eff.EnforcementScope = scope
		}
		scoped := dedupe(names[scope])
		eff.Templates = append(eff.Templates, scoped...)
	}

	return eff
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, n := range sorted[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}

func intValue(v int) *int {
	return &v
}

func boolValue(v bool) *bool {
	return &v
}
