// Package response translates verdicts into caller-facing statuses and
// human-readable messages, and fires decision notifications. Denials
// always explain themselves; lockdowns raise an immediate alert and
// never expose an override path.
package response
