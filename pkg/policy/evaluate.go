package policy

import (
	"fmt"
	"strings"
)

// appliesTo lists the triggers each built-in rule is evaluated for.
var appliesTo = map[string][]Trigger{
	RuleMinApprovers:           {TriggerApproval},
	RulePreventSelfApproval:    {TriggerApproval},
	RuleAutoApprovePatches:     {TriggerApproval, TriggerPublish},
	RuleRequiredScanGrade:      {TriggerApproval, TriggerDownload, TriggerPublish},
	RuleRequirePassingTests:    {TriggerApproval, TriggerDownload, TriggerPublish},
	RuleRequirePassingValidate: {TriggerApproval, TriggerDownload, TriggerPublish},
}

// ruleOrder fixes the order rule results are reported in.
var ruleOrder = []string{
	RuleMinApprovers,
	RulePreventSelfApproval,
	RuleRequiredScanGrade,
	RuleRequirePassingTests,
	RuleRequirePassingValidate,
	RuleAutoApprovePatches,
}

// Applies reports whether a built-in rule is evaluated for trigger.
func Applies(rule string, trigger Trigger) bool {
	for _, t := range appliesTo[rule] {
		if t == trigger {
			return true
		}
	}
	return false
}

// Evaluate checks subject against the effective policy for one trigger. Rules
// that do not apply to the trigger, or that the policy has no opinion on, are
// reported as skipped. The returned evaluation has no ID or timestamp.
func Evaluate(eff *Effective, trigger Trigger, subject Subject) *Evaluation {
	eval := &Evaluation{
		Trigger:          trigger,
		ArtifactID:       subject.ArtifactID,
		VersionID:        subject.VersionID,
		Actor:            subject.Actor,
		EnforcementLevel: eff.EnforcementLevel,
		Rules:            eff.Rules,
	}

	for _, rule := range ruleOrder {
		result := RuleResult{Rule: rule, Scope: eff.Sources[rule]}
		if !Applies(rule, trigger) {
			result.Status = RuleStatusSkip
			result.Message = fmt.Sprintf("not evaluated on %s", trigger)
			result.Scope = ""
		} else {
			result.Status, result.Message = checkRule(rule, eff.Rules, subject)
		}
		eval.Results = append(eval.Results, result)
	}

	eval.Outcome = OutcomeOf(eval.EnforcementLevel, eval.Results)
	eval.AutoApprove = trigger == TriggerPublish && subject.IsPatch &&
		eval.Outcome == OutcomePass && isTrue(eff.Rules.AutoApprovePatches)
	return eval
}

// OutcomeOf derives the outcome of a set of rule results under an enforcement level.
func OutcomeOf(level EnforcementLevel, results []RuleResult) Outcome {
	for _, r := range results {
		if r.Status == RuleStatusFail {
			if level == EnforcementWarn {
				return OutcomeWarn
			}
			return OutcomeFail
		}
	}
	return OutcomePass
}

func checkRule(rule string, rules Rules, subject Subject) (RuleStatus, string) {
	switch rule {
	case RuleMinApprovers:
		if rules.MinApprovers == nil {
			return RuleStatusSkip, "no opinion"
		}
		approvers := subject.Approvers
		if isTrue(rules.PreventSelfApproval) {
			approvers = without(approvers, subject.PublishedBy)
		}
		count := countDistinct(approvers)
		if count < *rules.MinApprovers {
			return RuleStatusFail, fmt.Sprintf("%d of %d required approvals", count, *rules.MinApprovers)
		}
		return RuleStatusPass, fmt.Sprintf("%d of %d required approvals", count, *rules.MinApprovers)

	case RulePreventSelfApproval:
		if !isTrue(rules.PreventSelfApproval) {
			return RuleStatusSkip, "self approval allowed"
		}
		if subject.PublishedBy != "" && subject.Actor == subject.PublishedBy {
			return RuleStatusFail, fmt.Sprintf("%s published this version and cannot approve it", subject.Actor)
		}
		return RuleStatusPass, ""

	case RuleRequiredScanGrade:
		if rules.RequiredScanGrade == nil {
			return RuleStatusSkip, "no opinion"
		}
		required := strings.ToUpper(*rules.RequiredScanGrade)
		if subject.ScanGrade == "" {
			return RuleStatusFail, fmt.Sprintf("scan grade %s required, version has not been scanned", required)
		}
		grade, err := ParseGrade(subject.ScanGrade)
		if err != nil {
			return RuleStatusFail, err.Error()
		}
		if grade > required {
			return RuleStatusFail, fmt.Sprintf("scan grade %s is below required %s", grade, required)
		}
		return RuleStatusPass, fmt.Sprintf("scan grade %s meets %s", grade, required)

	case RuleRequirePassingTests:
		return checkRequired(rules.RequirePassingTests, subject.TestsPassed, "tests")

	case RuleRequirePassingValidate:
		return checkRequired(rules.RequirePassingValidate, subject.ValidatePassed, "validate")

	case RuleAutoApprovePatches:
		if !isTrue(rules.AutoApprovePatches) {
			return RuleStatusSkip, "automatic patch approval disabled"
		}
		return RuleStatusPass, "patch releases may be approved automatically"
	}

	return RuleStatusSkip, "unknown rule"
}

func checkRequired(required, passed *bool, what string) (RuleStatus, string) {
	if !isTrue(required) {
		return RuleStatusSkip, "not required"
	}
	if passed == nil {
		return RuleStatusFail, fmt.Sprintf("passing %s required, no result reported", what)
	}
	if !*passed {
		return RuleStatusFail, fmt.Sprintf("passing %s required, %s failed", what, what)
	}
	return RuleStatusPass, ""
}

func countDistinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// without returns values minus every occurrence of drop.
func without(values []string, drop string) []string {
	if drop == "" {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
