// Package idempotency derives stable keys from the logical identity of an
// operation so that replays of the same intent reach external services with
// the same key.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// BuildKey hashes the canonical form of fields. Map keys are sorted at every
// level and arrays keep their order, so logically equal inputs built in a
// different order produce the same key.
func BuildKey(fields any) (string, error) {
	canonical, err := Canonicalize(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustBuildKey is BuildKey for inputs known to be JSON-encodable.
func MustBuildKey(fields any) string {
	key, err := BuildKey(fields)
	if err != nil {
		panic(err)
	}
	return key
}

// Canonicalize returns the canonical byte form that BuildKey hashes.
func Canonicalize(fields any) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode key fields: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode key fields: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, node[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range node {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(node.String())
	default:
		return writeScalar(buf, node)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode scalar: %w", err)
	}
	buf.Write(b)
	return nil
}

// OperationKey is the per-attempt key for a payment operation, e.g.
// "vendor-capture-<reservation>-2". The same attempt always yields the same key.
func OperationKey(role, operation, reservationID string, attempt int) string {
	return fmt.Sprintf("%s-%s-%s-%d", role, operation, reservationID, attempt)
}
