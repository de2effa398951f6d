package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	labelName      = "app.kubernetes.io/name"
	labelComponent = "app.kubernetes.io/component"
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelRunID     = "modvault.io/run-id"
	labelModuleID  = "modvault.io/module-id"
	labelPhase     = "modvault.io/phase"

	// TokenSecretKey is the key of the callback credential inside the run Secret.
	TokenSecretKey = "token"

	EnvCallbackURL   = "MODVAULT_CALLBACK_URL"
	EnvRunID         = "MODVAULT_RUN_ID"
	EnvCallbackToken = "MODVAULT_CALLBACK_TOKEN"

	sandboxUID = int64(65532)
)

// BuilderConfig configures the jobs produced by a JobBuilder.
type BuilderConfig struct {
	Namespace          string        `mapstructure:"namespace" yaml:"namespace" validate:"required"`
	Image              string        `mapstructure:"image" yaml:"image" validate:"required"`
	CallbackURL        string        `mapstructure:"callback_url" yaml:"callback_url" validate:"required,url"`
	ServiceAccountName string        `mapstructure:"service_account" yaml:"service_account"`
	CPURequest         string        `mapstructure:"cpu_request" yaml:"cpu_request"`
	CPULimit           string        `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	MemoryRequest      string        `mapstructure:"memory_request" yaml:"memory_request"`
	MemoryLimit        string        `mapstructure:"memory_limit" yaml:"memory_limit"`
	WorkspaceSizeLimit string        `mapstructure:"workspace_size_limit" yaml:"workspace_size_limit"`
	TTLAfterFinished   time.Duration `mapstructure:"ttl_after_finished" yaml:"ttl_after_finished"`
}

// DefaultBuilderConfig returns conservative job defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Namespace:          "modvault-runs",
		Image:              "ghcr.io/modvault/runner:latest",
		CallbackURL:        "http://modvault.modvault.svc:8080",
		CPURequest:         "250m",
		CPULimit:           "1",
		MemoryRequest:      "256Mi",
		MemoryLimit:        "1Gi",
		WorkspaceSizeLimit: "2Gi",
		TTLAfterFinished:   time.Hour,
	}
}

// JobRequest describes one job to build.
type JobRequest struct {
	RunID         string
	ModuleID      string
	EnvironmentID string
	Operation     string
	// Phase is "main" or "apply"; apply jobs get a distinct name.
	Phase    string
	Token    string
	Deadline time.Duration
}

// JobBuilder renders hardened job bundles.
type JobBuilder struct {
	cfg BuilderConfig
}

// NewJobBuilder creates a builder, filling empty fields from the defaults.
func NewJobBuilder(cfg BuilderConfig) *JobBuilder {
	def := DefaultBuilderConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = def.CallbackURL
	}
	if cfg.CPURequest == "" {
		cfg.CPURequest = def.CPURequest
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = def.CPULimit
	}
	if cfg.MemoryRequest == "" {
		cfg.MemoryRequest = def.MemoryRequest
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = def.MemoryLimit
	}
	if cfg.WorkspaceSizeLimit == "" {
		cfg.WorkspaceSizeLimit = def.WorkspaceSizeLimit
	}
	if cfg.TTLAfterFinished <= 0 {
		cfg.TTLAfterFinished = def.TTLAfterFinished
	}
	return &JobBuilder{cfg: cfg}
}

// Namespace returns the namespace jobs are created in.
func (b *JobBuilder) Namespace() string {
	return b.cfg.Namespace
}

// JobName returns the deterministic job name of a run phase.
func JobName(runID, phase string) string {
	short := strings.ReplaceAll(strings.ToLower(runID), "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	name := "modvault-run-" + short
	if phase == "apply" {
		name += "-apply"
	}
	return name
}

// Build renders the Secret and Job for req.
func (b *JobBuilder) Build(req JobRequest) (*Bundle, error) {
	if req.RunID == "" {
		return nil, errors.New("job request requires a run ID")
	}
	if req.Token == "" {
		return nil, errors.New("job request requires a callback token")
	}

	name := JobName(req.RunID, req.Phase)
	secretName := name + "-cb"
	labels := map[string]string{
		labelName:      "modvault",
		labelComponent: "run-job",
		labelManagedBy: "modvault",
		labelRunID:     req.RunID,
		labelModuleID:  req.ModuleID,
		labelPhase:     phaseLabel(req.Phase),
	}

	secret := Secret{
		APIVersion: "v1",
		Kind:       "Secret",
		Metadata:   ObjectMeta{Name: secretName, Namespace: b.cfg.Namespace, Labels: labels},
		Type:       "Opaque",
		StringData: map[string]string{TokenSecretKey: req.Token},
	}

	backoff := int32(0)
	ttl := int32(b.cfg.TTLAfterFinished / time.Second)
	var deadline *int64
	if req.Deadline > 0 {
		d := int64(req.Deadline / time.Second)
		deadline = &d
	}

	job := Job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata:   ObjectMeta{Name: name, Namespace: b.cfg.Namespace, Labels: labels},
		Spec: JobSpec{
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   deadline,
			TTLSecondsAfterFinished: &ttl,
			Template: PodTemplateSpec{
				Metadata: ObjectMeta{Labels: labels},
				Spec: PodSpec{
					RestartPolicy:                "Never",
					ServiceAccountName:           b.cfg.ServiceAccountName,
					AutomountServiceAccountToken: boolPtr(false),
					EnableServiceLinks:           boolPtr(false),
					SecurityContext: &PodSecurityContext{
						RunAsNonRoot:   boolPtr(true),
						RunAsUser:      int64Ptr(sandboxUID),
						RunAsGroup:     int64Ptr(sandboxUID),
						FSGroup:        int64Ptr(sandboxUID),
						SeccompProfile: &SeccompProfile{Type: "RuntimeDefault"},
					},
					Containers: []Container{{
						Name:  "runner",
						Image: b.cfg.Image,
						Env: []EnvVar{
							{Name: EnvCallbackURL, Value: b.cfg.CallbackURL},
							{Name: EnvRunID, Value: req.RunID},
							{Name: EnvCallbackToken, ValueFrom: &EnvVarSource{
								SecretKeyRef: &SecretKeySelector{Name: secretName, Key: TokenSecretKey},
							}},
						},
						Resources: ResourceRequirements{
							Requests: map[string]string{"cpu": b.cfg.CPURequest, "memory": b.cfg.MemoryRequest},
							Limits:   map[string]string{"cpu": b.cfg.CPULimit, "memory": b.cfg.MemoryLimit},
						},
						SecurityContext: &SecurityContext{
							RunAsNonRoot:             boolPtr(true),
							ReadOnlyRootFilesystem:   boolPtr(true),
							AllowPrivilegeEscalation: boolPtr(false),
							Privileged:               boolPtr(false),
							Capabilities:             &Capabilities{Drop: []string{"ALL"}},
						},
						VolumeMounts: []VolumeMount{
							{Name: "tmp", MountPath: "/tmp"},
							{Name: "workspace", MountPath: "/workspace"},
						},
					}},
					Volumes: []Volume{
						{Name: "tmp", EmptyDir: &EmptyDirVolumeSource{}},
						{Name: "workspace", EmptyDir: &EmptyDirVolumeSource{SizeLimit: b.cfg.WorkspaceSizeLimit}},
					},
				},
			},
		},
	}

	return &Bundle{Secret: secret, Job: job}, nil
}

func phaseLabel(phase string) string {
	if phase == "" {
		return "main"
	}
	return phase
}

func boolPtr(v bool) *bool { return &v }

func int64Ptr(v int64) *int64 { return &v }

// String identifies a bundle in logs.
func (b *Bundle) String() string {
	return fmt.Sprintf("%s/%s", b.Job.Metadata.Namespace, b.Job.Metadata.Name)
}
