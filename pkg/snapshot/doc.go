// Package snapshot fetches, caches, and cryptographically verifies the
// reference data an evaluation depends on, composing it into a
// consistent point-in-time DataSnapshot. Fetches are coalesced per
// source, payload signatures are mandatory, and snapshot assembly is
// all-or-nothing.
package snapshot
