// Package config loads the modvault server configuration.
//
// Settings are layered: built-in defaults from Default, then an optional YAML
// file, then environment variables. Every key can be overridden from the
// environment as MODVAULT_<SECTION>_<KEY>, for example
// MODVAULT_SCHEDULER_MAX_CONCURRENT_RUNS=10 or MODVAULT_DATABASE_DRIVER=postgres.
//
// A minimal file:
//
//	database:
//	  driver: postgres
//	  url: postgres://modvault@db/modvault
//	scheduler:
//	  max_concurrent_runs: 10
//	policy:
//	  templates_dir: /etc/modvault/policies
//	  watch_templates: true
//
// Load validates the result with go-playground/validator struct tags plus a
// handful of checks that span fields.
package config
