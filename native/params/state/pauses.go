package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const pausesKey = "system/pauses"

// Reader exposes the minimal parameter store capabilities required to inspect pause toggles.
type Reader interface {
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Load returns the persisted pause toggles keyed by lower-case module name.
func Load(reader Reader) (map[string]bool, error) {
	if reader == nil {
		return nil, fmt.Errorf("params: reader not configured")
	}
	raw, ok, err := reader.ParamStoreGet(pausesKey)
	if err != nil {
		return nil, fmt.Errorf("params: load pauses: %w", err)
	}
	out := make(map[string]bool)
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	var payload map[string]bool
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("params: decode pauses: %w", err)
	}
	for module, paused := range payload {
		if paused {
			out[strings.ToLower(strings.TrimSpace(module))] = true
		}
	}
	return out, nil
}

// Paused reports whether the named module pause toggle is enabled.
func Paused(reader Reader, module string) (bool, error) {
	pauses, err := Load(reader)
	if err != nil {
		return false, err
	}
	return pauses[strings.ToLower(strings.TrimSpace(module))], nil
}
