package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/telemetry"
)

// AutoApprover is the approver recorded on versions approved by the
// auto_approve_patches rule.
const AutoApprover = "policy:auto-approve-patches"

// Evaluator decides whether a gated action may proceed.
type Evaluator interface {
	Evaluate(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

// Service runs the version approval state machine.
type Service struct {
	store    Store
	policies Evaluator
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	logger   zerolog.Logger
	clock    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithEventPublisher sets the publisher approval decisions are announced on.
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

// NewService creates an approval service.
func NewService(store Store, policies Evaluator, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		policies: policies,
		logger:   zerolog.Nop(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "approvals").Logger()
	return s
}

// Approval is the result of an approval request.
type Approval struct {
	Version  *Version
	Decision *policy.Decision
}

// ApproveVersion records approver's vote and approves the version when the
// approval policy allows it. A block-level failure returns a POLICY_BLOCKED
// conflict carrying the evaluation ID; the vote still counts toward later attempts.
func (s *Service) ApproveVersion(ctx context.Context, versionID, approver, comment string) (*Approval, error) {
	if approver == "" {
		return nil, engine.NewValidationError("approver is required", nil).WithResource(versionID)
	}

	ctx, span := telemetry.StartSpan(ctx, "version.approve", telemetry.AttrVersionID.String(versionID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	version, artifact, err := s.load(ctx, versionID)
	if err != nil {
		spanErr = err
		return nil, err
	}
	if err := requirePending(version); err != nil {
		spanErr = err
		return nil, err
	}

	now := s.clock()
	if err := s.store.RecordVote(ctx, &Vote{VersionID: versionID, Approver: approver, Comment: comment, CreatedAt: now}); err != nil {
		spanErr = err
		return nil, err
	}

	votes, err := s.store.ListVotes(ctx, versionID)
	if err != nil {
		spanErr = err
		return nil, err
	}
	approvers := make([]string, 0, len(votes))
	for _, v := range votes {
		approvers = append(approvers, v.Approver)
	}

	subject := subjectOf(version, approver)
	subject.Approvers = approvers
	subject.IsPatch = s.isPatchRelease(ctx, version)

	decision, err := s.policies.Evaluate(ctx, policy.Request{
		Trigger: policy.TriggerApproval,
		Target:  artifact.Target(),
		Subject: subject,
	})
	if err != nil {
		spanErr = err
		return nil, err
	}

	if !decision.Allowed {
		s.metrics.RecordApproval("blocked")
		spanErr = blockedError(versionID, decision.Evaluation)
		s.logger.Info().
			Str("version_id", versionID).
			Str("approver", approver).
			Str("evaluation_id", decision.Evaluation.ID).
			Msg("Approval blocked by policy")
		return nil, spanErr
	}

	approved, err := s.store.ApproveVersion(ctx, versionID, approver, now)
	if err != nil {
		spanErr = err
		return nil, err
	}

	details := map[string]any{
		"evaluation_id": decision.Evaluation.ID,
		"artifact_id":   artifact.ID,
		"version":       approved.Version,
	}
	if comment != "" {
		details["comment"] = comment
	}
	s.audit(ctx, AuditVersionApproved, approver, versionID, details)
	if decision.Evaluation.Outcome == policy.OutcomeWarn {
		s.audit(ctx, AuditPolicyOverride, approver, versionID, map[string]any{
			"evaluation_id": decision.Evaluation.ID,
			"failed_rules":  failedRules(decision.Evaluation),
		})
	}

	s.metrics.RecordApproval("approved")
	s.publish(telemetry.EventTypeVersionApproved, approved, approver, "version approved")

	s.logger.Info().
		Str("version_id", versionID).
		Str("artifact_id", artifact.ID).
		Str("approver", approver).
		Str("outcome", string(decision.Evaluation.Outcome)).
		Msg("Version approved")

	return &Approval{Version: approved, Decision: decision}, nil
}

// RejectVersion rejects a pending version.
func (s *Service) RejectVersion(ctx context.Context, versionID, actor, reason string) (*Version, error) {
	if actor == "" {
		return nil, engine.NewValidationError("actor is required", nil).WithResource(versionID)
	}

	ctx, span := telemetry.StartSpan(ctx, "version.reject", telemetry.AttrVersionID.String(versionID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	rejected, err := s.store.RejectVersion(ctx, versionID, actor, reason, s.clock())
	if err != nil {
		spanErr = err
		return nil, err
	}

	s.audit(ctx, AuditVersionRejected, actor, versionID, map[string]any{
		"artifact_id": rejected.ArtifactID,
		"version":     rejected.Version,
		"reason":      reason,
	})
	s.metrics.RecordApproval("rejected")
	s.publish(telemetry.EventTypeVersionRejected, rejected, actor, "version rejected")

	s.logger.Info().
		Str("version_id", versionID).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Version rejected")

	return rejected, nil
}

// CheckDownload evaluates the download policy of a version. The returned
// decision is not allowed when a block-level rule failed.
func (s *Service) CheckDownload(ctx context.Context, versionID, actor string) (*policy.Decision, error) {
	version, artifact, err := s.load(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.policies.Evaluate(ctx, policy.Request{
		Trigger: policy.TriggerDownload,
		Target:  artifact.Target(),
		Subject: subjectOf(version, actor),
	})
}

// Publication is the result of OnPublished.
type Publication struct {
	Version      *Version
	Decision     *policy.Decision
	AutoApproved bool
}

// OnPublished evaluates the publish policy of a newly published version and
// approves it automatically when it is a patch release of the current latest
// version and the policy allows automatic patch approval.
func (s *Service) OnPublished(ctx context.Context, versionID, publisher string) (*Publication, error) {
	ctx, span := telemetry.StartSpan(ctx, "version.published", telemetry.AttrVersionID.String(versionID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	version, artifact, err := s.load(ctx, versionID)
	if err != nil {
		spanErr = err
		return nil, err
	}

	subject := subjectOf(version, publisher)
	subject.IsPatch = s.isPatchRelease(ctx, version)

	decision, err := s.policies.Evaluate(ctx, policy.Request{
		Trigger: policy.TriggerPublish,
		Target:  artifact.Target(),
		Subject: subject,
	})
	if err != nil {
		spanErr = err
		return nil, err
	}

	pub := &Publication{Version: version, Decision: decision}
	if !decision.Evaluation.AutoApprove || version.ApprovalStatus != ApprovalPending {
		return pub, nil
	}

	approved, err := s.store.ApproveVersion(ctx, versionID, AutoApprover, s.clock())
	if err != nil {
		spanErr = err
		return nil, err
	}
	pub.Version = approved
	pub.AutoApproved = true

	s.audit(ctx, AuditVersionApproved, AutoApprover, versionID, map[string]any{
		"evaluation_id": decision.Evaluation.ID,
		"artifact_id":   artifact.ID,
		"version":       approved.Version,
		"published_by":  publisher,
	})
	s.metrics.RecordApproval("auto_approved")
	s.publish(telemetry.EventTypeVersionApproved, approved, AutoApprover, "patch release approved automatically")

	s.logger.Info().
		Str("version_id", versionID).
		Str("version", approved.Version).
		Msg("Patch release approved automatically")

	return pub, nil
}

func (s *Service) load(ctx context.Context, versionID string) (*Version, *Artifact, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	artifact, err := s.store.GetArtifact(ctx, version.ArtifactID)
	if err != nil {
		return nil, nil, err
	}
	return version, artifact, nil
}

// isPatchRelease reports whether version shares major.minor with the artifact's
// latest version and has a higher patch.
func (s *Service) isPatchRelease(ctx context.Context, version *Version) bool {
	latest, err := s.store.GetLatestVersion(ctx, version.ArtifactID)
	if err != nil {
		if !engine.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("artifact_id", version.ArtifactID).Msg("Failed to look up latest version")
		}
		return false
	}
	if latest.ID == version.ID {
		return false
	}
	return IsPatchOf(latest.Version, version.Version)
}

// IsPatchOf reports whether next is a patch release of base: same major and
// minor, higher patch, and not a prerelease.
func IsPatchOf(base, next string) bool {
	b, n := canonical(base), canonical(next)
	if !semver.IsValid(b) || !semver.IsValid(n) || semver.Prerelease(n) != "" {
		return false
	}
	return semver.MajorMinor(b) == semver.MajorMinor(n) && semver.Compare(n, b) > 0
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func requirePending(v *Version) error {
	if v.ApprovalStatus == ApprovalPending {
		return nil
	}
	return engine.NewConflictError(fmt.Sprintf("version %s is already %s", v.ID, v.ApprovalStatus), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(v.ID)
}

func blockedError(versionID string, eval *policy.Evaluation) error {
	rules := failedRules(eval)
	return engine.NewConflictError(
		fmt.Sprintf("approval blocked by policy: %s", strings.Join(rules, ", ")), nil,
	).WithCode(engine.ErrCodePolicyBlocked).
		WithResource(versionID).
		WithOperation("approve").
		WithDetail("evaluation_id", eval.ID).
		WithDetail("failed_rules", rules)
}

func failedRules(eval *policy.Evaluation) []string {
	var rules []string
	for _, r := range eval.Failed() {
		rules = append(rules, r.Rule)
	}
	return rules
}

func subjectOf(v *Version, actor string) policy.Subject {
	return policy.Subject{
		ArtifactID:     v.ArtifactID,
		VersionID:      v.ID,
		Version:        v.Version,
		PublishedBy:    v.PublishedBy,
		Actor:          actor,
		ScanGrade:      v.ScanGrade,
		TestsPassed:    v.TestsPassed,
		ValidatePassed: v.ValidatePassed,
	}
}

func (s *Service) audit(ctx context.Context, action, actor, targetID string, details map[string]any) {
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  targetID,
		Details:   details,
		Timestamp: s.clock(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", action).Str("target_id", targetID).Msg("Failed to append audit entry")
	}
}

func (s *Service) publish(eventType string, v *Version, actor, message string) {
	_ = s.events.Publish(telemetry.Event{
		Timestamp: s.clock(),
		Type:      eventType,
		Source:    "registry",
		SubjectID: v.ID,
		Message:   message,
		Level:     telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"artifact_id": v.ArtifactID,
			"version":     v.Version,
			"actor":       actor,
		},
	})
}
