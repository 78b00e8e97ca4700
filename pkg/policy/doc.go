// Package policy evaluates decision inputs against a versioned rule
// bundle and produces verdicts with graduated severities. Bundles mix
// Rego modules, evaluated through prepared OPA queries, with local
// expression rules compiled once at bundle load. The active bundle is
// swapped atomically so reloads never interleave with in-flight
// evaluations, and rule failures surface as alert findings rather than
// silent passes.
package policy
