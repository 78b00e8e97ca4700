// Package auditlog records every verdict in an append-only,
// tamper-evident log. Each record carries the HMAC-SHA256 signature of
// its canonical payload and a chain hash over the previous record, so
// any edit, deletion, or reorder after position K is detectable by
// replaying the chain from genesis. Signing keys are derived from
// master material with HKDF-SHA256 and rotate by id; records name the
// key that signed them.
package auditlog
