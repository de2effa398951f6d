package sandbox

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// RecordingBackend records submitted bundles without creating anything. An
// external controller is expected to pick jobs up from the persisted job spec.
type RecordingBackend struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	submitted []*Bundle
	cancelled []string
	// SubmitErr, when set, is returned from every Submit.
	SubmitErr error
}

// NewRecordingBackend creates a recording backend.
func NewRecordingBackend(logger zerolog.Logger) *RecordingBackend {
	return &RecordingBackend{logger: logger.With().Str("component", "recording-backend").Logger()}
}

// Submit records the redacted bundle.
func (r *RecordingBackend) Submit(_ context.Context, bundle *Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SubmitErr != nil {
		return r.SubmitErr
	}
	r.submitted = append(r.submitted, bundle.Redacted())
	r.logger.Info().Str("job", bundle.String()).Msg("Job recorded")
	return nil
}

// Cancel records the cancellation.
func (r *RecordingBackend) Cancel(_ context.Context, namespace, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, namespace+"/"+name)
	r.logger.Info().Str("job", namespace+"/"+name).Msg("Job cancellation recorded")
	return nil
}

// Submitted returns the recorded bundles in submission order.
func (r *RecordingBackend) Submitted() []*Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Bundle(nil), r.submitted...)
}

// Cancelled returns the recorded cancellations as namespace/name.
func (r *RecordingBackend) Cancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

// SetSubmitErr sets the error returned by Submit.
func (r *RecordingBackend) SetSubmitErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubmitErr = err
}
