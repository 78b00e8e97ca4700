package snapshot

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Aggregator produces verified, internally consistent DataSnapshots.
// Cached payloads are safe for concurrent read access; refresh-on-miss
// for a given source is coalesced so only one upstream fetch per source
// is in flight at a time.
type Aggregator struct {
	mu      sync.RWMutex
	sources map[string]*Source
	cache   map[string]*cacheEntry

	// composeMu is the per-snapshot acquisition lock. Composing a
	// snapshot holds it exclusively so concurrent refreshes of the
	// same source cannot interleave two fetch cycles into one
	// snapshot.
	composeMu sync.Mutex

	flight      singleflight.Group
	transformer *Transformer
	logger      zerolog.Logger
	now         func() time.Time
}

type cacheEntry struct {
	payload     []byte
	signature   []byte
	contentHash string
	fetchedAt   time.Time
}

// NewAggregator creates an aggregator with no registered sources.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		sources:     make(map[string]*Source),
		cache:       make(map[string]*cacheEntry),
		transformer: NewTransformer(5 * time.Second),
		logger:      logger.With().Str("component", "snapshot-aggregator").Logger(),
		now:         time.Now,
	}
}

// Register adds a source. Registering a name twice replaces the earlier
// definition and drops its cached payload.
func (a *Aggregator) Register(src Source) error {
	if src.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if src.Fetch == nil {
		return fmt.Errorf("source %q: fetch function is required", src.Name)
	}
	if len(src.Key) != ed25519.PublicKeySize {
		return fmt.Errorf("source %q: trusted key must be a %d-byte ed25519 public key", src.Name, ed25519.PublicKeySize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[src.Name] = &src
	delete(a.cache, src.Name)

	a.logger.Debug().
		Str("source", src.Name).
		Dur("ttl", src.TTL).
		Msg("Data source registered")
	return nil
}

// SourceNames returns the names of all registered sources.
func (a *Aggregator) SourceNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.sources))
	for name := range a.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetch composes a snapshot covering the requested sources. Every
// payload, cached or freshly fetched, was verified against the source's
// trusted key at fetch time. If any source cannot be fetched and has no
// cached payload, the whole snapshot fails; there are no partial
// snapshots.
func (a *Aggregator) Fetch(ctx context.Context, sourceNames []string) (*Snapshot, error) {
	a.composeMu.Lock()
	defer a.composeMu.Unlock()

	names := append([]string(nil), sourceNames...)
	sort.Strings(names)

	snap := &Snapshot{
		Sources:   make(map[string]SourceRecord, len(names)),
		CreatedAt: a.now(),
	}

	for _, name := range names {
		a.mu.RLock()
		src, ok := a.sources[name]
		a.mu.RUnlock()
		if !ok {
			return nil, &UnknownSourceError{Source: name}
		}

		entry, err := a.entry(ctx, src)
		if err != nil {
			return nil, err
		}

		snap.Sources[name] = SourceRecord{
			Payload:     entry.payload,
			FetchedAt:   entry.fetchedAt,
			ContentHash: entry.contentHash,
			Signature:   entry.signature,
		}
	}

	return snap, nil
}

// entry returns a fresh-enough cached entry or performs a coalesced
// refresh.
func (a *Aggregator) entry(ctx context.Context, src *Source) (*cacheEntry, error) {
	a.mu.RLock()
	cached, ok := a.cache[src.Name]
	a.mu.RUnlock()

	if ok && a.now().Sub(cached.fetchedAt) <= src.TTL {
		return cached, nil
	}

	v, err, _ := a.flight.Do(src.Name, func() (interface{}, error) {
		return a.refresh(ctx, src)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

// refresh fetches, verifies, transforms, and caches one source payload.
func (a *Aggregator) refresh(ctx context.Context, src *Source) (*cacheEntry, error) {
	data, err := src.Fetch(ctx)
	if err != nil {
		a.logger.Error().Err(err).Str("source", src.Name).Msg("Source fetch failed")
		return nil, &FetchError{Source: src.Name, Err: err}
	}

	if !verifyPayload(src.Key, data.Payload, data.Signature) {
		a.logger.Error().Str("source", src.Name).Msg("Source payload signature invalid")
		return nil, &UnverifiedDataError{Source: src.Name}
	}

	payload := data.Payload
	if src.Transform != "" {
		payload, err = a.transformer.Apply(ctx, src.Transform, payload)
		if err != nil {
			return nil, fmt.Errorf("source %q: transform failed: %w", src.Name, err)
		}
	}

	entry := &cacheEntry{
		payload:     payload,
		signature:   data.Signature,
		contentHash: contentHash(payload),
		fetchedAt:   a.now(),
	}

	a.mu.Lock()
	a.cache[src.Name] = entry
	a.mu.Unlock()

	a.logger.Debug().
		Str("source", src.Name).
		Str("content_hash", entry.contentHash).
		Msg("Source payload refreshed")
	return entry, nil
}

// verifyPayload checks the upstream ed25519 signature over the sha256
// digest of the raw payload.
func verifyPayload(key ed25519.PublicKey, payload, sig []byte) bool {
	sum := sha256.Sum256(payload)
	return ed25519.Verify(key, sum[:], sig)
}

// contentHash returns the sha256: digest of a payload.
func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// decodeDocument parses a payload as JSON, falling back to the raw
// string.
func decodeDocument(payload []byte) interface{} {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return string(payload)
	}
	return doc
}
