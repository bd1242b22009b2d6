// Package permissions turns loosely typed per-tier edits into a canonical
// models.PermissionSpec.
//
// Compilation never fails: numbers are coerced to non-negative integers and flags
// to booleans. Anything that can't be read as a number becomes 0; anything that
// can't be read as true becomes false.
package permissions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"keysync/internal/models"
)

// Compile coerces raw into a PermissionSpec. A nil raw yields an empty spec.
func Compile(raw *models.RawPermissions) models.PermissionSpec {
	spec := models.PermissionSpec{}.Normalized()
	if raw == nil {
		return spec
	}

	for endpoint, v := range raw.Limits {
		window, _ := asMap(v)
		spec.Limits[endpoint] = models.Limit{
			Hour: ToLimit(window["hour"]),
			Day:  ToLimit(window["day"]),
		}
	}
	for name, v := range raw.Flags {
		spec.Flags[name] = ToFlag(v)
	}

	return spec
}

// CompileJSON parses a permissions document such as
// {"limits": {"feature": {"hour": 600, "day": 2400}}, "flags": {"flag": true}}
// and compiles it. Only malformed JSON is an error.
func CompileJSON(data []byte) (models.PermissionSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return models.PermissionSpec{}, fmt.Errorf("invalid permissions JSON: %w", err)
	}

	return Compile(FromMap(doc)), nil
}

// FromMap reads the "limits" and "flags" sections of a generic document. Sections
// of the wrong shape are treated as empty.
func FromMap(doc map[string]any) *models.RawPermissions {
	raw := &models.RawPermissions{}
	if limits, ok := asMap(doc["limits"]); ok {
		raw.Limits = limits
	}
	if flags, ok := asMap(doc["flags"]); ok {
		raw.Flags = flags
	}
	return raw
}

// ToLimit coerces v to a non-negative integer. Floats truncate, negatives clamp to 0.
func ToLimit(v any) uint64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return clampInt(int64(n))
	case int8:
		return clampInt(int64(n))
	case int16:
		return clampInt(int64(n))
	case int32:
		return clampInt(int64(n))
	case int64:
		return clampInt(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case float32:
		return clampFloat(float64(n))
	case float64:
		return clampFloat(n)
	case json.Number:
		return parseLimit(n.String())
	case string:
		return parseLimit(n)
	default:
		return 0
	}
}

// ToFlag coerces v to a boolean.
func ToFlag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "on", "yes":
			return true
		}
		return false
	case json.Number:
		f, err := b.Float64()
		return err == nil && f != 0
	case nil:
		return false
	default:
		return nonZero(v)
	}
}

func parseLimit(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return clampInt(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return clampFloat(f)
	}
	return 0
}

func clampInt(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

func clampFloat(f float64) uint64 {
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(f)
	}
}

// nonZero reports whether v is a number other than zero.
func nonZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n != 0
	case int8:
		return n != 0
	case int16:
		return n != 0
	case int32:
		return n != 0
	case int64:
		return n != 0
	case uint:
		return n != 0
	case uint8:
		return n != 0
	case uint16:
		return n != 0
	case uint32:
		return n != 0
	case uint64:
		return n != 0
	case float32:
		return n != 0
	case float64:
		return n != 0 && !math.IsNaN(n)
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
