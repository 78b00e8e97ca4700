package decision

import (
	"encoding/json"
	"time"

	"github.com/opengavel/gavel/pkg/override"
)

// EvaluationContext fixes the ambient facts of one evaluation. The
// timestamp is stamped exactly once at assembly time; the engine uses
// it, never wall-clock time, for every staleness and expiry check.
type EvaluationContext struct {
	// Timestamp is the assembly instant. Immutable after assembly.
	Timestamp time.Time `json:"timestamp"`

	// RequestID uniquely identifies this evaluation request.
	RequestID string `json:"request_id"`

	// Caller is the identity that submitted the subject.
	Caller string `json:"caller"`

	// Session is an opaque session descriptor, if any.
	Session string `json:"session,omitempty"`
}

// DataSourceRef describes one reference-data source consulted during
// assembly, in the order the snapshot was composed.
type DataSourceRef struct {
	// Name is the registered source name.
	Name string `json:"name"`

	// FetchedAt is when the payload was fetched from upstream.
	FetchedAt time.Time `json:"fetched_at"`

	// ContentHash is the "sha256:" digest of the payload used.
	ContentHash string `json:"content_hash"`

	// Signature is the upstream signature over the payload, base64
	// encoded.
	Signature string `json:"signature"`

	// Verified reports whether the signature checked out against a
	// trusted key. An unverified source forces a critical finding.
	Verified bool `json:"verified"`
}

// Input is the canonical, immutable record submitted for evaluation.
// Once assembled it is never mutated; re-evaluating a subject requires
// assembling a new Input with a fresh timestamp.
type Input struct {
	// Context carries the fixed evaluation-time facts.
	Context EvaluationContext `json:"evaluation_context"`

	// Category names the subject schema the payload was validated
	// against.
	Category string `json:"category"`

	// Subject is the validated payload in canonical encoding.
	Subject json.RawMessage `json:"subject"`

	// SubjectRef is the "sha256:" digest of the canonical subject.
	// Override consumption matches on this value.
	SubjectRef string `json:"subject_ref"`

	// DataSourcesUsed lists the snapshot sources in composition order.
	DataSourcesUsed []DataSourceRef `json:"data_sources_used"`

	// Override, when present, is a consumed single-use override token
	// attached to exactly this input.
	Override *override.Token `json:"override,omitempty"`
}

// Summary is the compact input description embedded in decision log
// records. It omits the subject payload body; the subject reference is
// enough to tie a record back to the evaluated content.
type Summary struct {
	RequestID   string          `json:"request_id"`
	Caller      string          `json:"caller"`
	Category    string          `json:"category"`
	SubjectRef  string          `json:"subject_ref"`
	Timestamp   time.Time       `json:"timestamp"`
	DataSources []DataSourceRef `json:"data_sources"`
	OverrideID  string          `json:"override_id,omitempty"`
}

// Summarize returns the log-record summary of the input.
func (in *Input) Summarize() Summary {
	s := Summary{
		RequestID:   in.Context.RequestID,
		Caller:      in.Context.Caller,
		Category:    in.Category,
		SubjectRef:  in.SubjectRef,
		Timestamp:   in.Context.Timestamp,
		DataSources: in.DataSourcesUsed,
	}
	if in.Override != nil {
		s.OverrideID = in.Override.OverrideID
	}
	return s
}
