package snapshot

import (
	"context"
	"crypto/ed25519"
	"time"
)

// SourceData is the raw result of one upstream fetch. The signature is
// produced by the upstream publisher over the SHA-256 digest of the
// payload.
type SourceData struct {
	Payload   []byte
	Signature []byte
}

// FetchFunc retrieves the current payload for a source.
type FetchFunc func(ctx context.Context) (SourceData, error)

// Source describes one registered reference-data source.
type Source struct {
	// Name is the unique source name.
	Name string

	// TTL is the freshness window. A cached payload older than TTL is
	// re-fetched on the next snapshot request.
	TTL time.Duration

	// Fetch retrieves the payload and its signature from upstream.
	Fetch FetchFunc

	// Key is the trusted public key payload signatures must verify
	// against.
	Key ed25519.PublicKey

	// Transform is an optional Starlark script applied to the fetched
	// payload after verification and before hashing. It normalizes
	// third-party feed formats; see Transformer.
	Transform string
}

// SourceRecord is one verified source entry inside a snapshot.
type SourceRecord struct {
	// Payload is the (possibly transformed) source payload.
	Payload []byte `json:"payload"`

	// FetchedAt is when the payload was fetched from upstream.
	FetchedAt time.Time `json:"fetched_at"`

	// ContentHash is the sha256: digest of the payload.
	ContentHash string `json:"content_hash"`

	// Signature is the upstream signature over the raw payload.
	Signature []byte `json:"signature"`
}

// Snapshot is a consistent, verified point-in-time bundle of reference
// data. A snapshot is owned by a single evaluation for its lifetime and
// is never mutated; payload slices may be shared read-only with the
// aggregator cache.
type Snapshot struct {
	// Sources maps source name to its verified record.
	Sources map[string]SourceRecord `json:"sources"`

	// CreatedAt is when the snapshot was composed.
	CreatedAt time.Time `json:"created_at"`
}

// Documents returns the snapshot payloads decoded as JSON documents,
// keyed by source name. Payloads that are not valid JSON are returned
// as raw strings.
func (s *Snapshot) Documents() map[string]interface{} {
	docs := make(map[string]interface{}, len(s.Sources))
	for name, rec := range s.Sources {
		docs[name] = decodeDocument(rec.Payload)
	}
	return docs
}
