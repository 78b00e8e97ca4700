// Package override manages emergency overrides: audited, multi-party
// approved, time-boxed, single-use exceptions that allow a denied
// decision to proceed. The two-person approval, short expiry, and
// single consumption bound the blast radius of bypassing a critical
// deny.
package override
