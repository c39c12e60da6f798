// Package cas provides content digests and canonical JSON serialization.
// All preconditions in a changeset are BLAKE3 digests over raw bytes; no
// Unicode normalization or newline canonicalization is ever applied.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// LineHashLen is the hex length of a line digest used in hashline anchors.
const LineHashLen = 16

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Hash computes a BLAKE3-256 hash of the input and returns it as bytes.
func Hash(data []byte) []byte {
	h := blake3.Sum256(data)
	return h[:]
}

// HashHex computes a BLAKE3-256 hash and returns it as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// LineHash computes the anchor digest of a single line. The line is hashed
// without its terminator, so the same content hashes identically under LF,
// CRLF, and bare-CR files.
func LineHash(line []byte) string {
	return HashHex(line)[:LineHashLen]
}

// Fingerprint identifies file content without disclosing it.
type Fingerprint struct {
	Digest string `json:"digest"`
	Bytes  int    `json:"bytes"`
}

// FingerprintOf computes the fingerprint of content.
func FingerprintOf(content []byte) Fingerprint {
	return Fingerprint{Digest: HashHex(content), Bytes: len(content)}
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// ObjectID computes a content-addressed ID: blake3(kind + "\n" + canonicalJSON(payload)).
func ObjectID(kind string, payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	data := append([]byte(kind+"\n"), canonical...)
	return HashHex(data), nil
}
