// Package classify labels a failed stage's error signal as a configuration
// problem, a likely runtime/provider defect, or unknown.
//
// Classification is a pure function over the signal: the same
// (status, type, message, stage) always yields the same verdict, independent
// of call order or prior runs. The verdict is advisory; it gates whether
// autofix is offered by default, never whether a result is recorded.
package classify

import "strings"

type Classification string

const (
	// CredentialOrConfig means the endpoint, model id, or credential is
	// wrong. The remedy is operator-side configuration, not a code fix.
	CredentialOrConfig Classification = "credential_or_config"
	// SDKOrProviderBug means the call reached the provider/runtime but the
	// runtime or provider failed to behave per its own contract.
	SDKOrProviderBug Classification = "sdk_or_provider_bug"
	// Unknown means no signature matched. Downstream gating treats it like
	// SDKOrProviderBug, but it is recorded distinctly.
	Unknown Classification = "unknown"
)

// GatesAutofix reports whether the classification offers autofix by default.
func (c Classification) GatesAutofix() bool {
	return c == SDKOrProviderBug || c == Unknown
}

// Signal is the structured error evidence produced by a failed stage.
type Signal struct {
	// Status is the HTTP-like status code, 0 when none was observed.
	Status int
	// Type is the error type name reported by the runtime, if any.
	Type string
	// Message is the error message text.
	Message string
	// Stage is the stage key that produced the signal.
	Stage string
}

// Verdict is a classification plus a short actionable hint for the operator.
type Verdict struct {
	Classification Classification
	Hint           string
}

// rule is one row of the ordered decision table. Status match wins alone;
// marker match requires the marker substring in the lowercased combined
// "type: message" text.
type rule struct {
	statuses       []int
	markers        []string
	needAllMarkers []string
	classification Classification
	hint           string
}

const (
	hintCredentials = "Check your API key env var and provider credentials."
	hintModel       = "Check that the model name and base URL are correct."
	hintRate        = "Rate or quota limit hit; retry later or reduce load."
	hintNetwork     = "Check base_url/network connectivity and timeout."
	hintRuntimeBug  = "Likely runtime/provider incompatibility; inspect run artifacts and logs."
)

// rules is the ordered policy table. First match wins; new provider-error
// signatures are added as rows, not as scattered conditionals.
var rules = []rule{
	{
		statuses:       []int{401, 403},
		markers:        []string{"unauthorized", "invalid api key", "api key invalid", "incorrect api key", "missing api key", "no api key", "authentication", "forbidden"},
		classification: CredentialOrConfig,
		hint:           hintCredentials,
	},
	{
		statuses:       []int{404},
		markers:        []string{"model_not_found", "no such model", "unknown model"},
		classification: CredentialOrConfig,
		hint:           hintModel,
	},
	{
		needAllMarkers: []string{"model", "not found"},
		classification: CredentialOrConfig,
		hint:           hintModel,
	},
	{
		needAllMarkers: []string{"deployment", "not found"},
		classification: CredentialOrConfig,
		hint:           hintModel,
	},
	{
		needAllMarkers: []string{"model", "does not exist"},
		classification: CredentialOrConfig,
		hint:           hintModel,
	},
	{
		statuses:       []int{429},
		markers:        []string{"rate limit", "too many requests", "quota", "billing"},
		classification: CredentialOrConfig,
		hint:           hintRate,
	},
	{
		markers:        []string{"connection refused", "connection reset", "name or service not known", "nodename nor servname provided", "timed out", "timeout", "ssl", "certificate"},
		classification: CredentialOrConfig,
		hint:           hintNetwork,
	},
	{
		markers: []string{
			"validationerror", "serializationerror", "schema mismatch",
			"unexpected response format", "failed to parse response", "pydantic",
			"toolcallcontracterror", "no tool invocation observed",
			"tool invocation errored", "final answer missing marker",
		},
		classification: SDKOrProviderBug,
		hint:           hintRuntimeBug,
	},
}

// Classify applies the decision table to the signal. A 400 with a model-ish
// message classifies as configuration via the marker rows; a bare 400 falls
// through to the runtime-layer row or Unknown.
func Classify(sig Signal) Verdict {
	text := strings.ToLower(strings.TrimSpace(sig.Type + ": " + sig.Message))

	for _, r := range rules {
		if statusIn(sig.Status, r.statuses) {
			return Verdict{Classification: r.classification, Hint: r.hint}
		}
		if len(r.needAllMarkers) > 0 && containsAll(text, r.needAllMarkers) {
			return Verdict{Classification: r.classification, Hint: r.hint}
		}
		if containsAny(text, r.markers) {
			return Verdict{Classification: r.classification, Hint: r.hint}
		}
	}
	return Verdict{Classification: Unknown, Hint: hintRuntimeBug}
}

// MissingCredential is the fixed verdict for a credential env var that is
// unset or empty at resolution time, before any network call is made.
func MissingCredential(envVarName string) Verdict {
	return Verdict{
		Classification: CredentialOrConfig,
		Hint:           "Set " + envVarName + " in the environment before starting a run.",
	}
}

func statusIn(status int, statuses []int) bool {
	if status == 0 {
		return false
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func containsAll(text string, markers []string) bool {
	for _, m := range markers {
		if !strings.Contains(text, m) {
			return false
		}
	}
	return true
}
