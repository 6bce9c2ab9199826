// Package redact replaces resolved secret values with a fixed sentinel in
// text and nested structures before anything is persisted or displayed.
//
// Redaction is exact-value substitution over the known secret set plus a
// small number of always-on patterns for credential-shaped text. It does not
// attempt heuristic secret detection beyond those patterns.
package redact

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Sentinel replaces every secret occurrence in redacted output.
const Sentinel = "<REDACTED>"

var (
	reBearer = regexp.MustCompile(`(?i)(authorization\s*:\s*bearer)\s+[A-Za-z0-9\-._=+/]+`)
	reSKKey  = regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)
)

// secretKeyNames are structure keys whose values are always masked,
// independent of the resolved secret set.
var secretKeyNames = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"api-key":       {},
	"authorization": {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"secret":        {},
	"password":      {},
}

// Redactor holds the resolved secret values for one run. The value set is
// built fresh per run and never persisted.
type Redactor struct {
	values []string
}

// New returns a Redactor over the given secret values. Empty values are
// dropped; longer values are substituted first so overlapping secrets cannot
// leave a partial suffix behind.
func New(values ...string) *Redactor {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return len(kept[i]) > len(kept[j]) })
	return &Redactor{values: kept}
}

// FromEnv resolves the named environment variables and builds a Redactor
// from the values that are set. Names with no value contribute nothing.
func FromEnv(envVarNames ...string) *Redactor {
	values := make([]string, 0, len(envVarNames))
	for _, name := range envVarNames {
		if v := os.Getenv(name); v != "" {
			values = append(values, v)
		}
	}
	return New(values...)
}

// Text returns text with every known secret value and credential-shaped
// pattern replaced by the sentinel.
func (r *Redactor) Text(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, v := range r.values {
		out = strings.ReplaceAll(out, v, Sentinel)
	}
	out = reBearer.ReplaceAllString(out, "${1} "+Sentinel)
	out = reSKKey.ReplaceAllString(out, Sentinel)
	return out
}

// Value returns a deep redacted copy of a JSON-like structure (maps, slices,
// strings, scalars). Map entries under secret-shaped key names are masked
// wholesale.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return r.Text(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Text(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			if _, secret := secretKeyNames[strings.ToLower(strings.TrimSpace(key))]; secret {
				out[key] = Sentinel
				continue
			}
			out[key] = r.Value(val)
		}
		return out
	default:
		return v
	}
}

// JSON marshals v, round-trips it through a generic structure, and returns
// the redacted document with a trailing newline. An error here means the
// artifact must not be written at all: redaction never degrades to
// "write it anyway".
func (r *Redactor) JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("redact: encode: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("redact: decode: %w", err)
	}
	out, err := json.MarshalIndent(r.Value(generic), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("redact: encode redacted: %w", err)
	}
	return append(out, '\n'), nil
}
