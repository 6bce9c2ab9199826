package classify

import (
	"strings"
	"testing"
)

func TestClassifyCredentialSignals(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
	}{
		{"status 401", Signal{Status: 401, Type: "AuthenticationError", Message: "bad key"}},
		{"status 403", Signal{Status: 403, Type: "PermissionError", Message: "forbidden"}},
		{"invalid api key text", Signal{Type: "APIError", Message: "Incorrect API key provided"}},
		{"model not found", Signal{Status: 400, Type: "BadRequestError", Message: "The model `gpt-x` was not found"}},
		{"deployment not found", Signal{Type: "NotFoundError", Message: "deployment for this resource not found"}},
		{"rate limit", Signal{Status: 429, Type: "RateLimitError", Message: "slow down"}},
		{"connection refused", Signal{Type: "APIConnectionError", Message: "connection refused"}},
		{"dns failure", Signal{Type: "APIConnectionError", Message: "name or service not known"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.sig)
			if got.Classification != CredentialOrConfig {
				t.Fatalf("Classify(%+v) = %q, want %q", tc.sig, got.Classification, CredentialOrConfig)
			}
			if got.Hint == "" {
				t.Fatalf("Classify(%+v): empty hint", tc.sig)
			}
		})
	}
}

func TestClassifyRuntimeBugSignals(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
	}{
		{"validation error", Signal{Type: "ValidationError", Message: "1 validation error for ChatCompletion"}},
		{"schema mismatch", Signal{Type: "ProbeError", Message: "schema mismatch in tool_calls"}},
		{"pydantic", Signal{Type: "RuntimeError", Message: "pydantic.error_wrappers.ValidationError"}},
		{"no tool call", Signal{Type: "ToolCallContractError", Message: "no tool invocation observed", Stage: "B"}},
		{"tool errored", Signal{Type: "ProbeError", Message: "tool invocation errored", Stage: "B"}},
		{"missing marker", Signal{Type: "ProbeError", Message: "final answer missing marker", Stage: "B"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.sig)
			if got.Classification != SDKOrProviderBug {
				t.Fatalf("Classify(%+v) = %q, want %q", tc.sig, got.Classification, SDKOrProviderBug)
			}
		})
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	got := Classify(Signal{Status: 500, Type: "WeirdError", Message: "something odd happened"})
	if got.Classification != Unknown {
		t.Fatalf("Classify = %q, want %q", got.Classification, Unknown)
	}
	if got.Hint == "" {
		t.Fatal("Unknown verdict should still carry a hint")
	}
}

func TestClassifyStatusBeatsMessageText(t *testing.T) {
	// A provider that returns 401 with a runtime-bug-looking message is
	// still a credential problem: the first matching row wins.
	got := Classify(Signal{Status: 401, Type: "ValidationError", Message: "unexpected response format"})
	if got.Classification != CredentialOrConfig {
		t.Fatalf("Classify = %q, want %q", got.Classification, CredentialOrConfig)
	}
}

func TestClassifyIsPure(t *testing.T) {
	sig := Signal{Status: 429, Type: "RateLimitError", Message: "quota exceeded"}
	first := Classify(sig)
	for i := 0; i < 5; i++ {
		if got := Classify(sig); got != first {
			t.Fatalf("Classify is not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestGatesAutofix(t *testing.T) {
	if CredentialOrConfig.GatesAutofix() {
		t.Fatal("credential_or_config must not gate autofix")
	}
	if !SDKOrProviderBug.GatesAutofix() {
		t.Fatal("sdk_or_provider_bug must gate autofix")
	}
	if !Unknown.GatesAutofix() {
		t.Fatal("unknown must gate autofix like a runtime bug")
	}
}

func TestMissingCredential(t *testing.T) {
	got := MissingCredential("OPENAI_API_KEY")
	if got.Classification != CredentialOrConfig {
		t.Fatalf("MissingCredential = %q, want %q", got.Classification, CredentialOrConfig)
	}
	if want := "OPENAI_API_KEY"; !strings.Contains(got.Hint, want) {
		t.Fatalf("hint %q does not name the env var %q", got.Hint, want)
	}
}
