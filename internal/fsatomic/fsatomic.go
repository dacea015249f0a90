// Package fsatomic provides atomic file persistence and guarded JSON
// decoding shared by the durable stores (task state, queue snapshots,
// planning cache, hash index).
package fsatomic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// forbiddenKeys are JSON keys that must never appear in persisted payloads.
// They originate from dynamically-keyed map corruption attacks; persisted
// files are rejected wholesale if any appears.
var forbiddenKeys = [][]byte{
	[]byte(`"__proto__"`),
	[]byte(`"constructor"`),
	[]byte(`"prototype"`),
}

// WriteFileAtomic writes data to path by writing a sibling temp file and
// renaming it into place. Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteJSONAtomic marshals v as indented JSON and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b, 0o644)
}

// CheckForbiddenKeys returns an error if data contains any of the forbidden
// literal JSON keys.
func CheckForbiddenKeys(data []byte) error {
	for _, key := range forbiddenKeys {
		if bytes.Contains(data, key) {
			return fmt.Errorf("persisted JSON contains forbidden key %s", key)
		}
	}
	return nil
}

// DecodeJSONGuarded rejects payloads carrying forbidden keys, then
// unmarshals into v.
func DecodeJSONGuarded(data []byte, v any) error {
	if err := CheckForbiddenKeys(data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadJSONGuarded reads path and decodes it with DecodeJSONGuarded.
func ReadJSONGuarded(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return DecodeJSONGuarded(data, v)
}
