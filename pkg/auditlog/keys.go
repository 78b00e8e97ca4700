package auditlog

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// SigningKeyEnv is the environment variable carrying the base64-encoded
// master key material. Key material is never accepted as a command-line
// argument; flags leak through process listings.
const SigningKeyEnv = "GAVEL_SIGNING_KEY"

// keyInfoPrefix scopes derived keys to the decision log.
const keyInfoPrefix = "gavel-decision-log:"

// UnknownKeyError reports a record whose key id has no keyring entry.
type UnknownKeyError struct {
	KeyID string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("no signing key with id %q", e.KeyID)
}

// Key is one signing key with its validity window.
type Key struct {
	// ID identifies the key in records.
	ID string

	// Secret is the derived HMAC secret.
	Secret []byte

	// NotBefore and NotAfter bound the window in which the key may
	// sign new records. Verification of historical records ignores the
	// window; records keep verifying after their key retires.
	NotBefore time.Time
	NotAfter  time.Time
}

// DeriveKey derives a signing key from master material with
// HKDF-SHA256, bound to the key id. Rotating means deriving a new id;
// old ids remain resolvable for verification.
func DeriveKey(master []byte, id string, notBefore, notAfter time.Time) (Key, error) {
	if len(master) == 0 {
		return Key{}, errors.New("master key material is empty")
	}
	if id == "" {
		return Key{}, errors.New("key id is required")
	}

	secret := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, master, nil, []byte(keyInfoPrefix+id))
	if _, err := io.ReadFull(r, secret); err != nil {
		return Key{}, fmt.Errorf("failed to derive key %q: %w", id, err)
	}

	return Key{ID: id, Secret: secret, NotBefore: notBefore, NotAfter: notAfter}, nil
}

// MasterKeyFromEnv reads base64-encoded master key material from the
// environment.
func MasterKeyFromEnv(name string) ([]byte, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	master, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
	}
	if len(master) < 16 {
		return nil, fmt.Errorf("%s decodes to %d bytes, need at least 16", name, len(master))
	}
	return master, nil
}

// Keyring holds current and historical signing keys.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]Key
	active string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]Key)}
}

// Add registers a key. Duplicate ids are rejected; a key id is a
// permanent name for exactly one secret.
func (k *Keyring) Add(key Key) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key.ID]; ok {
		return fmt.Errorf("signing key %q already registered", key.ID)
	}
	k.keys[key.ID] = key
	return nil
}

// SetActive selects the key used to sign new records.
func (k *Keyring) SetActive(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		return &UnknownKeyError{KeyID: id}
	}
	k.active = id
	return nil
}

// Active returns the signing key for new records, checking its
// validity window against now.
func (k *Keyring) Active(now time.Time) (Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == "" {
		return Key{}, errors.New("no active signing key")
	}
	key := k.keys[k.active]
	if now.Before(key.NotBefore) || (!key.NotAfter.IsZero() && now.After(key.NotAfter)) {
		return Key{}, fmt.Errorf("active signing key %q is outside its validity window", key.ID)
	}
	return key, nil
}

// Lookup resolves a key by id for verification.
func (k *Keyring) Lookup(id string) (Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	if !ok {
		return Key{}, &UnknownKeyError{KeyID: id}
	}
	return key, nil
}
