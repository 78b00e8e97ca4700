package auditlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/canonical"
	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
)

// Log is the append-only, tamper-evident decision log. Every verdict
// must be appended exactly once, including denied and errored
// evaluations; a failed append halts the evaluation's response because
// an unlogged decision is an audit gap.
type Log struct {
	// mu serializes appends. Each chain hash depends on the previous
	// record, so this is the one global critical section in the
	// system.
	mu sync.Mutex

	w        io.Writer
	keys     *Keyring
	lastHash string
	count    int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewLog creates a log writing JSONL records to w, starting a fresh
// chain at the genesis value.
func NewLog(w io.Writer, keys *Keyring, logger zerolog.Logger) *Log {
	return NewLogAt(w, keys, GenesisHash, 0, logger)
}

// NewLogAt creates a log resuming an existing chain: lastHash is the
// chain hash of the most recent persisted record and count the number
// of records already written.
func NewLogAt(w io.Writer, keys *Keyring, lastHash string, count int, logger zerolog.Logger) *Log {
	return &Log{
		w:        w,
		keys:     keys,
		lastHash: lastHash,
		count:    count,
		logger:   logger.With().Str("component", "decision-log").Logger(),
		now:      time.Now,
	}
}

// Append canonicalizes the verdict and input summary, signs the
// payload with the active key, chains it to the previous record, and
// persists one JSON line. Concurrent appends are linearized.
func (l *Log) Append(v *policy.Verdict, sum decision.Summary) (*Record, error) {
	body, err := canonical.Marshal(payload{Verdict: v, Input: sum})
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize record payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key, err := l.keys.Active(l.now())
	if err != nil {
		return nil, err
	}

	rec := &Record{
		KeyID:     key.ID,
		Payload:   body,
		Signature: sign(key.Secret, body),
		ChainHash: chainHash(l.lastHash, body),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to persist decision log record: %w", err)
	}

	l.lastHash = rec.ChainHash
	l.count++

	l.logger.Debug().
		Str("decision_id", v.DecisionID).
		Str("key_id", rec.KeyID).
		Int("index", l.count-1).
		Msg("Decision log record appended")

	return rec, nil
}

// Size returns the number of records appended through this log.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LastHash returns the chain hash of the most recent record, or the
// genesis value.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// SignStream reads plain payload objects (one JSON object per line)
// from r and writes a signed, chained record stream to w. It returns
// the number of records signed.
func SignStream(r io.Reader, w io.Writer, keys *Keyring, logger zerolog.Logger) (int, error) {
	l := NewLog(w, keys, logger)

	scanner := newPayloadScanner(r)
	signed := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return signed, fmt.Errorf("malformed payload on line %d: %w", signed+1, err)
		}
		if _, err := l.Append(p.Verdict, p.Input); err != nil {
			return signed, err
		}
		signed++
	}
	if err := scanner.Err(); err != nil {
		return signed, fmt.Errorf("failed to read payload stream: %w", err)
	}
	return signed, nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// chainHash hashes the previous chain hash as hex text concatenated
// with the canonical payload bytes.
func chainHash(prev string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
