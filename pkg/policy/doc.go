// Package policy resolves and evaluates the approval policies that gate
// version approval, download and publish.
//
// # Scopes
//
// Templates are bound at one of four scopes, from most to least specific:
// artifact, namespace, team and global. Resolution runs in two phases:
//
//  1. Within a scope, templates merge strictest-wins per rule: the largest
//     min_approvers, the best required_scan_grade, true for every
//     require/prevent rule, and false for auto_approve_patches.
//  2. Across scopes, each rule takes the value of the most specific scope that
//     sets it. A narrower scope may relax a broader one.
//
// An artifact's inline policy takes part as an artifact-scope block template.
//
// # Evaluation
//
// Each rule yields pass, fail or skip for the trigger being evaluated.
// min_approvers and prevent_self_approval are only evaluated on approval. The
// outcome is pass without failures, warn under warn enforcement, and fail
// otherwise. Only block enforcement stops the gated action; audit records.
//
// Every evaluation is persisted, whatever its outcome:
//
//	svc := policy.NewService(store, policy.WithLogger(logger))
//	decision, err := svc.Evaluate(ctx, policy.Request{
//	    Trigger: policy.TriggerDownload,
//	    Target:  artifact.Target(),
//	    Subject: subject,
//	})
//	if err == nil && !decision.Allowed {
//	    // blocked
//	}
//
// # Custom Rego
//
// A template may carry a Rego module with a deny set. Each message becomes a
// failed rule result named rego:<template>:
//
//	package modvault.prod
//
//	deny contains msg if {
//	    input.trigger == "download"
//	    input.subject.scan_grade == "F"
//	    msg := "grade F versions cannot be downloaded"
//	}
//
// # Template files
//
// The Loader reads *.yaml templates from a directory, with an optional sibling
// .rego file, and can watch the directory to re-sync on change:
//
//	name: prod-baseline
//	enforcement_level: block
//	rules:
//	  min_approvers: 2
//	  prevent_self_approval: true
//	bindings:
//	  - scope: team
//	    value: payments
package policy
