package sandbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	serviceAccountTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	serviceAccountCAFile    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

// APIError is an unexpected Kubernetes API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

// KubernetesConfig configures a KubernetesBackend.
type KubernetesConfig struct {
	// APIServer is the API base URL. Empty means in-cluster discovery.
	APIServer string        `mapstructure:"api_server" yaml:"api_server"`
	TokenFile string        `mapstructure:"token_file" yaml:"token_file"`
	CAFile    string        `mapstructure:"ca_file" yaml:"ca_file"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// KubernetesBackend submits bundles to the Kubernetes REST API.
type KubernetesBackend struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewKubernetesBackend creates a backend. With an empty APIServer it reads the
// service account credentials mounted into the pod.
func NewKubernetesBackend(cfg KubernetesConfig, logger zerolog.Logger) (*KubernetesBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIServer), "/")
	if baseURL == "" {
		host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
		port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
		baseURL = "https://kubernetes.default.svc"
		if host != "" {
			if port == "" {
				port = "443"
			}
			baseURL = "https://" + host + ":" + port
		}
	}
	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		tokenFile = serviceAccountTokenFile
	}
	caFile := cfg.CAFile
	if caFile == "" && cfg.APIServer == "" {
		caFile = serviceAccountCAFile
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	tokenBytes, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caFile != "" {
		caBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read serviceaccount ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("invalid serviceaccount ca bundle")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return newKubernetesBackend(baseURL, token, &http.Client{Transport: transport, Timeout: timeout}, logger), nil
}

func newKubernetesBackend(baseURL, token string, client *http.Client, logger zerolog.Logger) *KubernetesBackend {
	return &KubernetesBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
		logger:  logger.With().Str("component", "kubernetes-backend").Logger(),
	}
}

// Submit creates the run Secret and then the Job, and makes the Job the
// Secret's owner so the Secret is garbage collected with it. Resources that
// already exist are treated as created, so a retried submission is harmless.
func (k *KubernetesBackend) Submit(ctx context.Context, bundle *Bundle) error {
	ns := bundle.Job.Metadata.Namespace
	if err := k.create(ctx, fmt.Sprintf("/api/v1/namespaces/%s/secrets", ns), bundle.Secret, nil); err != nil {
		return fmt.Errorf("create secret %s: %w", bundle.Secret.Metadata.Name, err)
	}

	var job Job
	jobs := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", ns)
	if err := k.create(ctx, jobs, bundle.Job, &job); err != nil {
		return fmt.Errorf("create job %s: %w", bundle.Job.Metadata.Name, err)
	}
	if job.Metadata.UID == "" {
		// The job existed already; read it back for its UID.
		if err := k.get(ctx, jobs+"/"+bundle.Job.Metadata.Name, &job); err != nil {
			return fmt.Errorf("get job %s: %w", bundle.Job.Metadata.Name, err)
		}
	}

	if err := k.setOwner(ctx, ns, bundle.Secret.Metadata.Name, bundle.Job, job.Metadata.UID); err != nil {
		k.logger.Warn().Err(err).
			Str("secret", ns+"/"+bundle.Secret.Metadata.Name).
			Msg("Failed to set secret owner, it will outlive the job")
	}
	k.logger.Info().Str("job", bundle.String()).Msg("Job submitted")
	return nil
}

func (k *KubernetesBackend) setOwner(ctx context.Context, namespace, secret string, job Job, uid string) error {
	if uid == "" {
		return errors.New("job has no uid")
	}
	patch := map[string]any{
		"metadata": map[string]any{
			"ownerReferences": []OwnerReference{{
				APIVersion: job.APIVersion,
				Kind:       job.Kind,
				Name:       job.Metadata.Name,
				UID:        uid,
			}},
		},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets/%s", namespace, secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, k.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/merge-patch+json")
	return k.do(req, nil)
}

// Cancel deletes the job and its pods, then the credential Secret. Missing
// resources are ignored.
func (k *KubernetesBackend) Cancel(ctx context.Context, namespace, name string) error {
	body := []byte(`{"kind":"DeleteOptions","apiVersion":"v1","propagationPolicy":"Background"}`)
	if err := k.delete(ctx, fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", namespace, name), body); err != nil {
		return fmt.Errorf("delete job %s/%s: %w", namespace, name, err)
	}
	if err := k.delete(ctx, fmt.Sprintf("/api/v1/namespaces/%s/secrets/%s-cb", namespace, name), nil); err != nil {
		return fmt.Errorf("delete secret %s/%s-cb: %w", namespace, name, err)
	}
	k.logger.Info().Str("job", namespace+"/"+name).Msg("Job cancelled")
	return nil
}

// create posts obj and decodes the created object into out when out is set.
func (k *KubernetesBackend) create(ctx context.Context, path string, obj, out any) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := k.do(req, out); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return nil
}

func (k *KubernetesBackend) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+path, nil)
	if err != nil {
		return err
	}
	return k.do(req, out)
}

func (k *KubernetesBackend) delete(ctx context.Context, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, k.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := k.do(req, nil); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// do sends req and, on success, decodes the response body into out when set.
func (k *KubernetesBackend) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+k.token)

	resp, err := k.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
