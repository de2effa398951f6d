package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/modvault/modvault/pkg/policy"
)

// ApprovalStatus is the approval state of a version.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// IsTerminal returns true for approved and rejected.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Validate checks if the status is valid.
func (s ApprovalStatus) Validate() error {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return nil
	default:
		return fmt.Errorf("invalid approval status: %s", s)
	}
}

// Artifact is a registry module identified by namespace and name.
type Artifact struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`

	// Policy is the inline approval policy that predates policy templates.
	Policy *policy.Rules `json:"policy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Target returns the policy target of the artifact.
func (a *Artifact) Target() policy.Target {
	return policy.Target{
		TeamID:     a.TeamID,
		Namespace:  a.Namespace,
		ArtifactID: a.ID,
		Legacy:     a.Policy,
	}
}

// Version is one published version of an artifact.
type Version struct {
	ID             string         `json:"id"`
	ArtifactID     string         `json:"artifact_id"`
	Version        string         `json:"version"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`

	// IsLatest is held by at most one version per artifact.
	IsLatest bool `json:"is_latest"`

	PublishedBy    string `json:"published_by"`
	ScanGrade      string `json:"scan_grade,omitempty"`
	TestsPassed    *bool  `json:"tests_passed,omitempty"`
	ValidatePassed *bool  `json:"validate_passed,omitempty"`

	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Vote is one approver's vote for a version.
type Vote struct {
	VersionID string    `json:"version_id"`
	Approver  string    `json:"approver"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records an approval decision.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	TargetID  string         `json:"target_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Audit actions.
const (
	AuditVersionApproved = "version.approved"
	AuditVersionRejected = "version.rejected"
	AuditPolicyOverride  = "policy.override"
)

// Store persists artifacts, versions, votes and audit entries.
type Store interface {
	// CreateArtifact inserts an artifact. Duplicate namespace/name pairs are a conflict.
	CreateArtifact(ctx context.Context, artifact *Artifact) error

	// GetArtifact retrieves an artifact by ID.
	GetArtifact(ctx context.Context, id string) (*Artifact, error)

	// GetArtifactByName retrieves an artifact by namespace and name.
	GetArtifactByName(ctx context.Context, namespace, name string) (*Artifact, error)

	// CreateVersion inserts a pending version.
	CreateVersion(ctx context.Context, version *Version) error

	// GetVersion retrieves a version by ID.
	GetVersion(ctx context.Context, id string) (*Version, error)

	// GetLatestVersion returns the version holding is_latest, or a not-found error.
	GetLatestVersion(ctx context.Context, artifactID string) (*Version, error)

	// ListVersions lists the versions of an artifact, oldest first.
	ListVersions(ctx context.Context, artifactID string) ([]Version, error)

	// RecordVote records an approver's vote. Repeated votes by the same approver are ignored.
	RecordVote(ctx context.Context, vote *Vote) error

	// ListVotes lists the votes of a version.
	ListVotes(ctx context.Context, versionID string) ([]Vote, error)

	// ApproveVersion locks the version row, clears is_latest on the artifact's
	// current latest version and marks this version approved and latest, in one
	// transaction. It returns a conflict error unless the version is pending.
	ApproveVersion(ctx context.Context, versionID, approver string, at time.Time) (*Version, error)

	// RejectVersion marks a pending version rejected. Other states are a conflict.
	RejectVersion(ctx context.Context, versionID, actor, reason string, at time.Time) (*Version, error)

	// AppendAudit persists an audit entry.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit lists the audit entries of a target, oldest first.
	ListAudit(ctx context.Context, targetID string) ([]AuditEntry, error)
}
