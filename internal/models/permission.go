package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Limit caps calls to one endpoint. Zero means the remote service sees a limit of 0;
// an endpoint with no enforced limit is simply absent from PermissionSpec.Limits.
type Limit struct {
	Hour uint64 `json:"hour"`
	Day  uint64 `json:"day"`
}

// PermissionSpec is the canonical permission document sent to an app and mirrored
// in the permissions column. It always serializes with both "limits" and "flags".
type PermissionSpec struct {
	Limits map[string]Limit `json:"limits"`
	Flags  map[string]bool  `json:"flags"`
}

// permissionSpecJSON breaks MarshalJSON recursion.
type permissionSpecJSON struct {
	Limits map[string]Limit `json:"limits"`
	Flags  map[string]bool  `json:"flags"`
}

// Normalized returns a copy with nil maps replaced by empty ones.
func (p PermissionSpec) Normalized() PermissionSpec {
	out := PermissionSpec{
		Limits: make(map[string]Limit, len(p.Limits)),
		Flags:  make(map[string]bool, len(p.Flags)),
	}
	for k, v := range p.Limits {
		out.Limits[k] = v
	}
	for k, v := range p.Flags {
		out.Flags[k] = v
	}
	return out
}

// MarshalJSON emits {"limits":{...},"flags":{...}} with sorted keys.
func (p PermissionSpec) MarshalJSON() ([]byte, error) {
	n := p.Normalized()
	return json.Marshal(permissionSpecJSON{Limits: n.Limits, Flags: n.Flags})
}

func (p *PermissionSpec) UnmarshalJSON(data []byte) error {
	var raw permissionSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PermissionSpec{Limits: raw.Limits, Flags: raw.Flags}.Normalized()
	return nil
}

// Canonical returns the serialized form sent as the "permissions" string.
func (p PermissionSpec) Canonical() (string, error) {
	b, err := p.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize permissions: %w", err)
	}
	return string(b), nil
}

// Value stores the canonical form in a TEXT column.
func (p PermissionSpec) Value() (driver.Value, error) {
	return p.Canonical()
}

func (p *PermissionSpec) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*p = PermissionSpec{}.Normalized()
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("PermissionSpec: expected []byte or string, got %T", value)
	}

	if len(b) == 0 {
		*p = PermissionSpec{}.Normalized()
		return nil
	}
	return p.UnmarshalJSON(b)
}

// RawPermissions is a per-tier permission edit as it arrives from a form or config
// file: values are loosely typed and still need coercion.
type RawPermissions struct {
	Limits map[string]any `json:"limits" yaml:"limits"`
	Flags  map[string]any `json:"flags" yaml:"flags"`
}
