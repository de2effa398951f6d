// Package sandbox builds and submits the sandboxed jobs that execute platform runs.
//
// A job receives exactly three inputs: the callback URL, the run ID and a
// single-use callback credential mounted from a per-run Secret. It pulls its full
// configuration from the orchestrator at execution time, so variables and secrets
// never appear in the job specification.
//
// Two backends are provided. RecordingBackend only logs submissions and is the
// default, for deployments where an external controller materializes jobs.
// KubernetesBackend creates batch/v1 Jobs and v1 Secrets through the Kubernetes
// REST API.
package sandbox
