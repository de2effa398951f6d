package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/telemetry"
)

// Request asks for a policy decision on one gated action.
type Request struct {
	Trigger Trigger
	Target  Target
	Subject Subject
}

// Decision is the persisted evaluation and whether the gated action may proceed.
type Decision struct {
	Evaluation *Evaluation
	Effective  *Effective

	// Allowed is false only for a failed evaluation under block enforcement.
	Allowed bool
}

// Service resolves and evaluates policies and records every evaluation.
type Service struct {
	store   Store
	rego    *RegoEvaluator
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  zerolog.Logger
	clock   func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithEventPublisher sets the publisher evaluations are announced on.
func WithEventPublisher(events *telemetry.EventPublisher) ServiceOption {
	return func(s *Service) { s.events = events }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a policy service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: zerolog.Nop(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "policy-service").Logger()
	s.rego = NewRegoEvaluator(s.logger)
	return s
}

// Resolve returns the effective policy for target.
func (s *Service) Resolve(ctx context.Context, target Target) (*Effective, error) {
	bound, err := s.store.ListBoundTemplates(ctx, target)
	if err != nil {
		return nil, err
	}
	return Resolve(target, bound), nil
}

// Evaluate resolves the policy for the request target, evaluates it, and
// persists the evaluation regardless of outcome.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if err := req.Trigger.Validate(); err != nil {
		return nil, engine.NewValidationError(err.Error(), err)
	}

	ctx, span := telemetry.StartSpan(ctx, "policy.evaluate",
		telemetry.AttrPolicyTrigger.String(string(req.Trigger)),
		telemetry.AttrVersionID.String(req.Subject.VersionID),
	)
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	eff, err := s.Resolve(ctx, req.Target)
	if err != nil {
		spanErr = err
		return nil, err
	}

	eval := Evaluate(eff, req.Trigger, req.Subject)

	if len(eff.Rego) > 0 {
		custom, err := s.rego.Evaluate(ctx, eff.Rego, RegoInput{
			Trigger: req.Trigger,
			Subject: req.Subject,
			Rules:   eff.Rules,
		})
		if err != nil {
			// A broken custom rule fails closed.
			s.logger.Error().Err(err).Str("version_id", req.Subject.VersionID).Msg("Custom policy evaluation failed")
			custom = []RuleResult{{Rule: RegoRulePrefix + "error", Status: RuleStatusFail, Message: err.Error()}}
		}
		eval.Results = append(eval.Results, custom...)
		eval.Outcome = OutcomeOf(eval.EnforcementLevel, eval.Results)
		if eval.Outcome != OutcomePass {
			eval.AutoApprove = false
		}
	}

	eval.ID = uuid.New().String()
	eval.CreatedAt = s.clock()
	if eval.Outcome == OutcomeWarn {
		eval.OverriddenBy = req.Subject.Actor
	}

	if err := s.store.CreateEvaluation(ctx, eval); err != nil {
		spanErr = err
		return nil, fmt.Errorf("failed to persist policy evaluation: %w", err)
	}

	span.SetAttributes(telemetry.AttrPolicyOutcome.String(string(eval.Outcome)))
	s.metrics.RecordPolicyEvaluation(string(eval.Trigger), string(eval.Outcome))

	allowed := !(eval.Outcome == OutcomeFail && eval.EnforcementLevel == EnforcementBlock)
	s.publish(eval, allowed)

	s.logger.Info().
		Str("evaluation_id", eval.ID).
		Str("trigger", string(eval.Trigger)).
		Str("version_id", eval.VersionID).
		Str("outcome", string(eval.Outcome)).
		Str("enforcement", string(eval.EnforcementLevel)).
		Bool("allowed", allowed).
		Msg("Policy evaluated")

	return &Decision{Evaluation: eval, Effective: eff, Allowed: allowed}, nil
}

func (s *Service) publish(eval *Evaluation, allowed bool) {
	level := telemetry.EventLevelInfo
	switch eval.Outcome {
	case OutcomeWarn:
		level = telemetry.EventLevelWarning
	case OutcomeFail:
		level = telemetry.EventLevelError
	}

	failed := make([]string, 0)
	for _, r := range eval.Failed() {
		failed = append(failed, r.Rule)
	}

	_ = s.events.Publish(telemetry.Event{
		Timestamp: eval.CreatedAt,
		Type:      telemetry.EventTypePolicyEvaluated,
		Source:    "policy",
		SubjectID: eval.ID,
		Message:   fmt.Sprintf("%s policy %s for version %s", eval.Trigger, eval.Outcome, eval.VersionID),
		Level:     level,
		Data: map[string]interface{}{
			"trigger":      string(eval.Trigger),
			"outcome":      string(eval.Outcome),
			"version_id":   eval.VersionID,
			"artifact_id":  eval.ArtifactID,
			"actor":        eval.Actor,
			"allowed":      allowed,
			"failed_rules": failed,
		},
	})
}

// PurgeExpired deletes evaluations created before the cutoff.
func (s *Service) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.PurgeEvaluations(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Time("before", before).Msg("Purged policy evaluations")
	}
	return n, nil
}

// GetEvaluation retrieves a persisted evaluation.
func (s *Service) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	return s.store.GetEvaluation(ctx, id)
}

// ListEvaluations lists persisted evaluations, newest first.
func (s *Service) ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]Evaluation, error) {
	return s.store.ListEvaluations(ctx, filter)
}

// SaveTemplate validates a template, compiles its Rego and upserts it by name.
func (s *Service) SaveTemplate(ctx context.Context, tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return engine.NewValidationError(err.Error(), err).WithResource(tmpl.Name)
	}
	if tmpl.Rego != "" {
		if err := s.rego.Compile(ctx, tmpl.Name, tmpl.Rego); err != nil {
			return engine.NewValidationError(err.Error(), err).WithResource(tmpl.Name)
		}
	}

	now := s.clock()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	return s.store.UpsertTemplate(ctx, tmpl)
}

// DeleteTemplate deletes a template and its bindings.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	return s.store.DeleteTemplate(ctx, id)
}

// ListTemplates lists all templates.
func (s *Service) ListTemplates(ctx context.Context) ([]Template, error) {
	return s.store.ListTemplates(ctx)
}

// Bind attaches a template to a scope.
func (s *Service) Bind(ctx context.Context, binding *Binding) error {
	if err := binding.Validate(); err != nil {
		return engine.NewValidationError(err.Error(), err)
	}
	if _, err := s.store.GetTemplate(ctx, binding.TemplateID); err != nil {
		return err
	}
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = s.clock()
	}
	return s.store.CreateBinding(ctx, binding)
}

// SetBindings replaces every binding of a template.
func (s *Service) SetBindings(ctx context.Context, templateID string, bindings []Binding) error {
	now := s.clock()
	for i := range bindings {
		if err := bindings[i].Validate(); err != nil {
			return engine.NewValidationError(err.Error(), err).WithResource(templateID)
		}
		if bindings[i].CreatedAt.IsZero() {
			bindings[i].CreatedAt = now
		}
	}
	return s.store.ReplaceBindings(ctx, templateID, bindings)
}

// Unbind deletes a binding.
func (s *Service) Unbind(ctx context.Context, bindingID string) error {
	return s.store.DeleteBinding(ctx, bindingID)
}
