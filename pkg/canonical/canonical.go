// Package canonical produces a deterministic JSON encoding: object keys
// sorted bytewise after NFC normalization, no insignificant whitespace,
// null object members stripped, and floating-point numbers rejected.
// Two semantically equal values always canonicalize to identical bytes,
// which is what makes subject references and decision log signatures
// reproducible.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrFloatNotAllowed reports a non-integer JSON number. Monetary and
	// fractional quantities must be carried as strings.
	ErrFloatNotAllowed = errors.New("float values are not allowed in canonical json")

	// ErrKeyCollision reports two object keys that normalize to the same
	// NFC string.
	ErrKeyCollision = errors.New("normalized object key collision")
)

// Marshal encodes v as canonical JSON. v is first round-tripped through
// encoding/json, so struct json tags apply and numbers arrive with full
// precision as json.Number.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to decode value tree: %w", err)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the "sha256:<hex>" reference of the canonical encoding
// of v.
func Digest(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, value)
	case json.Number:
		return writeNumber(buf, value)
	case []any:
		return writeArray(buf, value)
	case map[string]any:
		return writeObject(buf, value)
	default:
		return fmt.Errorf("unsupported canonical value of type %T", v)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

// writeNumber accepts integers only, re-rendered in minimal form so
// "1e2" or leading zeros cannot produce distinct encodings.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrFloatNotAllowed, n.String())
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	seen := make(map[string]struct{}, len(obj))
	values := make(map[string]any, len(obj))

	for k, v := range obj {
		if v == nil {
			continue
		}
		nk := norm.NFC.String(k)
		if _, ok := seen[nk]; ok {
			return fmt.Errorf("%w: %q", ErrKeyCollision, nk)
		}
		seen[nk] = struct{}{}
		keys = append(keys, nk)
		values[nk] = v
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, values[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
