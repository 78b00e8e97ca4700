package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
)

// GenesisHash is the assumed chain hash before the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one appended decision log entry: the canonical payload, its
// HMAC-SHA256 signature, and the chain hash tying it to the previous
// record. Records are emitted one JSON object per line.
type Record struct {
	// KeyID names the signing key in effect when the record was
	// appended. Verification resolves the historical key by this id.
	KeyID string `json:"key_id"`

	// Payload is the canonical JSON of the verdict plus input summary.
	Payload json.RawMessage `json:"payload"`

	// Signature is the hex HMAC-SHA256 over Payload.
	Signature string `json:"signature"`

	// ChainHash is the hex SHA-256 over the previous record's chain
	// hash (hex text) concatenated with Payload.
	ChainHash string `json:"chain_hash"`
}

// payload is the signed content of one record.
type payload struct {
	Verdict *policy.Verdict  `json:"verdict"`
	Input   decision.Summary `json:"input"`
}

// newPayloadScanner returns a line scanner sized for large records.
func newPayloadScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

// ReadRecords decodes a JSONL record stream in append order.
func ReadRecords(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := newPayloadScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("malformed record on line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record stream: %w", err)
	}
	return records, nil
}
