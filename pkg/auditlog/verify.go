package auditlog

import (
	"crypto/hmac"
	"fmt"
)

// VerificationResult reports a chain replay. A failure at index K
// invalidates trust in every later record: each chain hash depends on
// its predecessor's content, so nothing after the first mismatch can be
// relied on.
type VerificationResult struct {
	// Valid is true when every record verified.
	Valid bool `json:"valid"`

	// Records is the number of records replayed.
	Records int `json:"records"`

	// FailedIndex is the 0-based index of the first failing record, or
	// -1 when valid.
	FailedIndex int `json:"failed_index"`

	// Reason describes the first failure.
	Reason string `json:"reason,omitempty"`

	// Untrusted lists the indices after the failure whose content can
	// no longer be trusted.
	Untrusted []int `json:"untrusted,omitempty"`
}

// ChainVerificationError is the error form of a failed verification.
type ChainVerificationError struct {
	Index  int
	Reason string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("decision log verification failed at record %d: %s", e.Index, e.Reason)
}

// Verify replays the chain from the genesis value, recomputing each
// record's chain hash and signature. It stops at the first mismatch
// and marks all subsequent records untrusted.
func Verify(records []Record, keys *Keyring) VerificationResult {
	res := VerificationResult{Valid: true, Records: len(records), FailedIndex: -1}

	prev := GenesisHash
	for i, rec := range records {
		if reason := verifyRecord(rec, prev, keys); reason != "" {
			res.Valid = false
			res.FailedIndex = i
			res.Reason = reason
			for j := i + 1; j < len(records); j++ {
				res.Untrusted = append(res.Untrusted, j)
			}
			return res
		}
		prev = rec.ChainHash
	}
	return res
}

// VerifyStrict is Verify returning a ChainVerificationError on
// failure. A failed chain is never partially trusted.
func VerifyStrict(records []Record, keys *Keyring) error {
	res := Verify(records, keys)
	if res.Valid {
		return nil
	}
	return &ChainVerificationError{Index: res.FailedIndex, Reason: res.Reason}
}

func verifyRecord(rec Record, prev string, keys *Keyring) string {
	key, err := keys.Lookup(rec.KeyID)
	if err != nil {
		return fmt.Sprintf("unknown key id %q", rec.KeyID)
	}
	if got := chainHash(prev, rec.Payload); got != rec.ChainHash {
		return "chain hash mismatch"
	}
	if !hmac.Equal([]byte(sign(key.Secret, rec.Payload)), []byte(rec.Signature)) {
		return "signature mismatch"
	}
	return ""
}
