// Package strictjson enforces the strict wire rules shared by the
// changeset and hashline decoders: no duplicate object keys, no unknown
// fields, and precise JSON-path diagnostics.
package strictjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"chisel/internal/errs"
)

// CheckDuplicateKeys walks the raw payload token by token and fails on the
// first object key that repeats within one object. encoding/json is
// last-value-wins by default, which would silently accept a tampered
// payload, so this runs before any unmarshaling.
func CheckDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return invalidJSON(err)
	}
	return walkValue(dec, tok, "$")
}

func walkValue(dec *json.Decoder, tok json.Token, path string) error {
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]bool)
		for {
			keyTok, err := dec.Token()
			if err != nil {
				return invalidJSON(err)
			}
			if d, ok := keyTok.(json.Delim); ok && d == '}' {
				return nil
			}
			key, ok := keyTok.(string)
			if !ok {
				return invalidJSON(fmt.Errorf("object key is not a string at %s", path))
			}
			if seen[key] {
				return errs.New(errs.KindInvalidRequest, "duplicate key %q at %s", key, path)
			}
			seen[key] = true
			valTok, err := dec.Token()
			if err != nil {
				return invalidJSON(err)
			}
			if err := walkValue(dec, valTok, path+"."+key); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; ; i++ {
			tok, err := dec.Token()
			if err != nil {
				return invalidJSON(err)
			}
			if d, ok := tok.(json.Delim); ok && d == ']' {
				return nil
			}
			if err := walkValue(dec, tok, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func invalidJSON(err error) error {
	if err == io.EOF {
		return errs.New(errs.KindInvalidRequest, "unexpected end of JSON payload")
	}
	return errs.New(errs.KindInvalidRequest, "malformed JSON: %v", err)
}

// Object decodes raw into a key/value map and rejects keys outside
// allowed. The allowed map doubles as schema documentation at each level.
func Object(raw json.RawMessage, path string, allowed map[string]bool) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s: expected an object", path)
	}
	for k := range m {
		if !allowed[k] {
			return nil, errs.New(errs.KindInvalidRequest, "unknown field %q at %s", k, path)
		}
	}
	return m, nil
}

// String decodes a JSON string value.
func String(raw json.RawMessage, path string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errs.New(errs.KindInvalidRequest, "%s: expected a string", path)
	}
	return s, nil
}

// Int decodes a JSON integer value.
func Int(raw json.RawMessage, path string) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errs.New(errs.KindInvalidRequest, "%s: expected an integer", path)
	}
	return n, nil
}

// RequiredString fetches a mandatory, non-empty string field.
func RequiredString(m map[string]json.RawMessage, key, path string) (string, error) {
	raw, ok := m[key]
	if !ok {
		return "", errs.New(errs.KindInvalidRequest, "%s: missing %q", path, key)
	}
	s, err := String(raw, path+"."+key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", errs.New(errs.KindInvalidRequest, "%s.%s: must not be empty", path, key)
	}
	return s, nil
}
