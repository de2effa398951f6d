package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scope is the level a policy template is bound at.
type Scope string

const (
	// ScopeArtifact binds to one artifact; the scope value is the artifact ID.
	ScopeArtifact Scope = "artifact"

	// ScopeNamespace binds to every artifact of a registry namespace.
	ScopeNamespace Scope = "namespace"

	// ScopeTeam binds to every artifact owned by a team; the scope value is the team ID.
	ScopeTeam Scope = "team"

	// ScopeGlobal binds to every artifact. It takes no scope value.
	ScopeGlobal Scope = "global"
)

// Scopes lists every scope from most to least specific.
var Scopes = []Scope{ScopeArtifact, ScopeNamespace, ScopeTeam, ScopeGlobal}

// Specificity returns the resolution order of a scope; lower values win.
func (s Scope) Specificity() int {
	switch s {
	case ScopeArtifact:
		return 0
	case ScopeNamespace:
		return 1
	case ScopeTeam:
		return 2
	default:
		return 3
	}
}

// Validate checks if the scope is valid.
func (s Scope) Validate() error {
	switch s {
	case ScopeArtifact, ScopeNamespace, ScopeTeam, ScopeGlobal:
		return nil
	default:
		return fmt.Errorf("invalid scope: %s", s)
	}
}

// EnforcementLevel decides what a failed evaluation does to the gated action.
type EnforcementLevel string

const (
	// EnforcementBlock halts the gated action on failure.
	EnforcementBlock EnforcementLevel = "block"

	// EnforcementWarn reports failures as warnings and lets the action proceed.
	EnforcementWarn EnforcementLevel = "warn"

	// EnforcementAudit records failures without halting the action.
	EnforcementAudit EnforcementLevel = "audit"
)

// strictness orders enforcement levels; higher is stricter.
func (l EnforcementLevel) strictness() int {
	switch l {
	case EnforcementBlock:
		return 2
	case EnforcementWarn:
		return 1
	default:
		return 0
	}
}

// Validate checks if the enforcement level is valid.
func (l EnforcementLevel) Validate() error {
	switch l {
	case EnforcementBlock, EnforcementWarn, EnforcementAudit:
		return nil
	default:
		return fmt.Errorf("invalid enforcement level: %s", l)
	}
}

// Rule names, as reported in rule results and resolution sources.
const (
	RuleMinApprovers           = "min_approvers"
	RuleAutoApprovePatches     = "auto_approve_patches"
	RuleRequiredScanGrade      = "required_scan_grade"
	RuleRequirePassingTests    = "require_passing_tests"
	RuleRequirePassingValidate = "require_passing_validate"
	RulePreventSelfApproval    = "prevent_self_approval"
)

// Rules is an approval policy. A nil field means the policy has no opinion on
// that rule, which is different from the rule being disabled.
type Rules struct {
	MinApprovers           *int    `json:"min_approvers,omitempty" yaml:"min_approvers,omitempty"`
	AutoApprovePatches     *bool   `json:"auto_approve_patches,omitempty" yaml:"auto_approve_patches,omitempty"`
	RequiredScanGrade      *string `json:"required_scan_grade,omitempty" yaml:"required_scan_grade,omitempty"`
	RequirePassingTests    *bool   `json:"require_passing_tests,omitempty" yaml:"require_passing_tests,omitempty"`
	RequirePassingValidate *bool   `json:"require_passing_validate,omitempty" yaml:"require_passing_validate,omitempty"`
	PreventSelfApproval    *bool   `json:"prevent_self_approval,omitempty" yaml:"prevent_self_approval,omitempty"`
}

// IsEmpty returns true when no rule is set.
func (r Rules) IsEmpty() bool {
	return r.MinApprovers == nil && r.AutoApprovePatches == nil && r.RequiredScanGrade == nil &&
		r.RequirePassingTests == nil && r.RequirePassingValidate == nil && r.PreventSelfApproval == nil
}

// Validate checks rule values.
func (r Rules) Validate() error {
	if r.MinApprovers != nil && *r.MinApprovers < 0 {
		return fmt.Errorf("min_approvers must not be negative")
	}
	if r.RequiredScanGrade != nil {
		if _, err := ParseGrade(*r.RequiredScanGrade); err != nil {
			return err
		}
	}
	return nil
}

// ParseGrade normalizes a scan grade letter A through F.
func ParseGrade(grade string) (string, error) {
	g := strings.ToUpper(strings.TrimSpace(grade))
	if len(g) != 1 || g[0] < 'A' || g[0] > 'F' {
		return "", fmt.Errorf("invalid scan grade %q: must be a letter A-F", grade)
	}
	return g, nil
}

// Template is a named, reusable rule set with an enforcement level and
// optional custom Rego deny rules.
type Template struct {
	ID               string           `json:"id" yaml:"-"`
	Name             string           `json:"name" yaml:"name"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level" yaml:"enforcement_level"`
	Rules            Rules            `json:"rules" yaml:"rules"`

	// Rego is a module whose deny set fails the evaluation, one rule result per message.
	Rego string `json:"rego,omitempty" yaml:"rego,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the template fields.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if err := t.EnforcementLevel.Validate(); err != nil {
		return err
	}
	return t.Rules.Validate()
}

// Binding attaches a template to exactly one scope.
type Binding struct {
	ID         string    `json:"id" yaml:"-"`
	TemplateID string    `json:"template_id" yaml:"-"`
	Scope      Scope     `json:"scope" yaml:"scope"`
	ScopeValue string    `json:"scope_value,omitempty" yaml:"value,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// Validate checks that a scope value is present for every scope but global.
func (b *Binding) Validate() error {
	if err := b.Scope.Validate(); err != nil {
		return err
	}
	if b.Scope == ScopeGlobal && b.ScopeValue != "" {
		return fmt.Errorf("global bindings take no scope value")
	}
	if b.Scope != ScopeGlobal && b.ScopeValue == "" {
		return fmt.Errorf("%s bindings require a scope value", b.Scope)
	}
	return nil
}

// Matches reports whether the binding applies to target.
func (b *Binding) Matches(target Target) bool {
	if b.Scope == ScopeGlobal {
		return true
	}
	value := target.ScopeValue(b.Scope)
	return value != "" && value == b.ScopeValue
}

// BoundTemplate pairs a binding with its template.
type BoundTemplate struct {
	Binding  Binding  `json:"binding"`
	Template Template `json:"template"`
}

// Target identifies what a policy is resolved for.
type Target struct {
	TeamID     string `json:"team_id,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`

	// Legacy is the artifact's inline policy that predates templates.
	Legacy *Rules `json:"legacy,omitempty"`
}

// ScopeValue returns the value a binding at scope must carry to match the target.
func (t Target) ScopeValue(scope Scope) string {
	switch scope {
	case ScopeArtifact:
		return t.ArtifactID
	case ScopeNamespace:
		return t.Namespace
	case ScopeTeam:
		return t.TeamID
	default:
		return ""
	}
}

// Trigger is the gated action being evaluated.
type Trigger string

const (
	TriggerApproval Trigger = "approval"
	TriggerDownload Trigger = "download"
	TriggerPublish  Trigger = "publish"
)

// Validate checks if the trigger is valid.
func (t Trigger) Validate() error {
	switch t {
	case TriggerApproval, TriggerDownload, TriggerPublish:
		return nil
	default:
		return fmt.Errorf("invalid trigger: %s", t)
	}
}

// RuleStatus is the result of one rule.
type RuleStatus string

const (
	RuleStatusPass RuleStatus = "pass"
	RuleStatusFail RuleStatus = "fail"
	RuleStatusSkip RuleStatus = "skip"
)

// Outcome is the overall result of an evaluation.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// RuleResult is the result of one rule in an evaluation.
type RuleResult struct {
	Rule    string     `json:"rule"`
	Status  RuleStatus `json:"status"`
	Message string     `json:"message,omitempty"`

	// Scope is the scope that supplied the rule value, empty for Rego rules.
	Scope Scope `json:"scope,omitempty"`
}

// Subject is the version a gated action applies to.
type Subject struct {
	ArtifactID  string `json:"artifact_id"`
	VersionID   string `json:"version_id"`
	Version     string `json:"version"`
	PublishedBy string `json:"published_by,omitempty"`

	// Actor is who performs the gated action.
	Actor string `json:"actor"`

	// Approvers are the distinct actors that voted to approve the version.
	Approvers []string `json:"approvers,omitempty"`

	ScanGrade      string `json:"scan_grade,omitempty"`
	TestsPassed    *bool  `json:"tests_passed,omitempty"`
	ValidatePassed *bool  `json:"validate_passed,omitempty"`

	// IsPatch is true when the version is a patch release of the artifact's latest version.
	IsPatch bool `json:"is_patch"`
}

// Evaluation is the immutable record of one policy check.
type Evaluation struct {
	ID               string           `json:"id"`
	Trigger          Trigger          `json:"trigger"`
	ArtifactID       string           `json:"artifact_id,omitempty"`
	VersionID        string           `json:"version_id,omitempty"`
	Actor            string           `json:"actor,omitempty"`
	Outcome          Outcome          `json:"outcome"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
	Rules            Rules            `json:"rules"`
	Results          []RuleResult     `json:"results"`

	// AutoApprove is set on publish evaluations of patch releases whose
	// effective policy allows automatic approval.
	AutoApprove bool `json:"auto_approve,omitempty"`

	// OverriddenBy is the actor that proceeded past a warn-level failure.
	OverriddenBy string `json:"overridden_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Failed returns the failed rule results.
func (e *Evaluation) Failed() []RuleResult {
	var failed []RuleResult
	for _, r := range e.Results {
		if r.Status == RuleStatusFail {
			failed = append(failed, r)
		}
	}
	return failed
}

// EvaluationFilter selects evaluations. Zero fields are ignored.
type EvaluationFilter struct {
	VersionID  string
	ArtifactID string
	Trigger    Trigger
	Limit      int
}

// Store persists templates, bindings and evaluations.
type Store interface {
	// UpsertTemplate inserts or updates a template by name and fills in its ID.
	UpsertTemplate(ctx context.Context, tmpl *Template) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id string) (*Template, error)

	// GetTemplateByName retrieves a template by name.
	GetTemplateByName(ctx context.Context, name string) (*Template, error)

	// ListTemplates lists all templates ordered by name.
	ListTemplates(ctx context.Context) ([]Template, error)

	// DeleteTemplate deletes a template and its bindings.
	DeleteTemplate(ctx context.Context, id string) error

	// CreateBinding inserts a binding. Duplicate bindings are a conflict.
	CreateBinding(ctx context.Context, binding *Binding) error

	// ReplaceBindings replaces every binding of a template in one transaction.
	ReplaceBindings(ctx context.Context, templateID string, bindings []Binding) error

	// ListBindings lists the bindings of a template.
	ListBindings(ctx context.Context, templateID string) ([]Binding, error)

	// DeleteBinding deletes a binding.
	DeleteBinding(ctx context.Context, id string) error

	// ListBoundTemplates returns every binding that matches target, with its template.
	ListBoundTemplates(ctx context.Context, target Target) ([]BoundTemplate, error)

	// CreateEvaluation persists an evaluation.
	CreateEvaluation(ctx context.Context, eval *Evaluation) error

	// GetEvaluation retrieves an evaluation by ID.
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)

	// ListEvaluations lists evaluations matching filter, newest first.
	ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]Evaluation, error)

	// PurgeEvaluations deletes evaluations created before the cutoff.
	PurgeEvaluations(ctx context.Context, before time.Time) (int64, error)
}
