package changeset

import (
	"encoding/json"

	"chisel/internal/errs"
	"chisel/internal/strictjson"
)

// CheckDuplicateKeys re-exports the shared duplicate-key scan for callers
// that validate raw payloads without fully parsing them.
func CheckDuplicateKeys(data []byte) error {
	return strictjson.CheckDuplicateKeys(data)
}

func object(raw json.RawMessage, path string, allowed map[string]bool) (map[string]json.RawMessage, error) {
	return strictjson.Object(raw, path, allowed)
}

func decodeString(raw json.RawMessage, path string) (string, error) {
	return strictjson.String(raw, path)
}

func decodeInt(raw json.RawMessage, path string) (int, error) {
	return strictjson.Int(raw, path)
}

func decodeSpan(raw json.RawMessage, path string) (Span, error) {
	var pair []int
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return Span{}, errs.New(errs.KindInvalidRequest, "%s: expected a [start, end] pair", path)
	}
	if pair[0] < 0 || pair[1] < pair[0] {
		return Span{}, errs.New(errs.KindInvalidRequest, "%s: invalid span [%d, %d)", path, pair[0], pair[1])
	}
	return Span{Start: pair[0], End: pair[1]}, nil
}
