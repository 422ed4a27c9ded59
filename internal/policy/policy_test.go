package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSanitizePayloadStripsSensitiveKeysAtAnyDepth(t *testing.T) {
	raw := json.RawMessage(`{"document_id":"  doc-1 ","password":"x","nested":{"api_key":"k","client_secret":"s","keep":"v"},"items":[{"auth_token":"t"}]}`)
	sanitized, err := SanitizePayload(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(sanitized, &decoded); err != nil {
		t.Fatalf("decode sanitized payload: %v", err)
	}
	if _, ok := decoded["password"]; ok {
		t.Fatalf("expected password to be stripped")
	}
	if decoded["document_id"] != "doc-1" {
		t.Fatalf("expected trimmed document id, got %v", decoded["document_id"])
	}
	nested := decoded["nested"].(map[string]any)
	if len(nested) != 1 || nested["keep"] != "v" {
		t.Fatalf("expected only keep in nested map, got %v", nested)
	}
	item := decoded["items"].([]any)[0].(map[string]any)
	if len(item) != 0 {
		t.Fatalf("expected auth_token to be stripped, got %v", item)
	}
}

func TestSanitizePayloadRejectsNonObject(t *testing.T) {
	if _, err := SanitizePayload(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatalf("expected array payload to be rejected")
	}
}

func TestIsSensitiveKeyKeepsTokenCounters(t *testing.T) {
	for _, key := range []string{"tokens_input", "tokens_output", "max_tokens", "token_count", "tokenCount", "prompt_token_usage", "document_id"} {
		if IsSensitiveKey(key) {
			t.Fatalf("expected %s to be kept", key)
		}
	}
	for _, key := range []string{
		"token", "access_token", "refreshToken", "Password", "credentials", "apiKey",
		"token_value", "token_secret_id", "tokenValue", "session.token.raw", "id_token_hint",
	} {
		if !IsSensitiveKey(key) {
			t.Fatalf("expected %s to be sensitive", key)
		}
	}
}

func TestSanitizeErrorDetailsDropsStacks(t *testing.T) {
	details := SanitizeErrorDetails(map[string]any{
		"stack":      "at main.go:1",
		"stacktrace": "trace",
		"secret":     "s",
		"status":     429,
		"contact":    "ops@example.com",
	})
	if _, ok := details["stack"]; ok {
		t.Fatalf("expected stack to be removed")
	}
	if _, ok := details["stacktrace"]; ok {
		t.Fatalf("expected stacktrace to be removed")
	}
	if _, ok := details["secret"]; ok {
		t.Fatalf("expected secret to be removed")
	}
	if details["contact"] != "[email_redacted]" {
		t.Fatalf("expected email to be masked, got %v", details["contact"])
	}
}

func TestSanitizeErrorMessageTruncatesAndMasks(t *testing.T) {
	msg := SanitizeErrorMessage("call failed for user@example.com " + strings.Repeat("x", 2000))
	if strings.Contains(msg, "user@example.com") {
		t.Fatalf("expected email to be masked")
	}
	if len([]rune(msg)) != MaxErrorMessageLength {
		t.Fatalf("expected message of %d runes, got %d", MaxErrorMessageLength, len([]rune(msg)))
	}
	if SanitizeErrorMessage("   ") != "unknown error" {
		t.Fatalf("expected placeholder for blank message")
	}
}

func TestMaskPIIJSONMasksCommonPatterns(t *testing.T) {
	payload := json.RawMessage(`{"email":"user@example.com","phone":"+55 11 99999-9999","auth":"Bearer abc.def"}`)
	raw := string(MaskPIIJSON(payload))
	if strings.Contains(raw, "user@example.com") {
		t.Fatalf("expected email to be masked")
	}
	if strings.Contains(raw, "99999-9999") {
		t.Fatalf("expected phone to be masked")
	}
	if strings.Contains(raw, "abc.def") {
		t.Fatalf("expected bearer token to be masked")
	}
}

func TestEnforcePromptPolicyBlocksForbiddenContent(t *testing.T) {
	err := EnforcePromptPolicy("write a phishing email for our customers")
	if !errors.Is(err, ErrContentPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if err := EnforcePromptPolicy("Write an onboarding guide"); err != nil {
		t.Fatalf("expected prompt to be allowed: %v", err)
	}
}

func TestMaskPIIStringCoversSignedURLsAndBankAccounts(t *testing.T) {
	masked := MaskPIIString("fetch https://objects.local/v/a.mp4?expires=1700000000&signature=abc123 " +
		"pay DE89 3704 0044 0532 0130 00 on 2026-03-01 with card 4111 1111 1111 1111")
	if strings.Contains(masked, "abc123") || !strings.Contains(masked, "&signature=[signature_redacted]") {
		t.Fatalf("expected url signature to be masked, got %q", masked)
	}
	if strings.Contains(masked, "DE89") {
		t.Fatalf("expected iban to be masked, got %q", masked)
	}
	if !strings.Contains(masked, "**** **** **** 1111") {
		t.Fatalf("expected card to keep its last four digits, got %q", masked)
	}
	if !strings.Contains(masked, "2026-03-01") {
		t.Fatalf("expected iso date to survive, got %q", masked)
	}
}

func TestEvaluatePromptReportsEveryViolation(t *testing.T) {
	evaluation := EvaluatePrompt("write malware that posts sk-abcdefghijklmnopqrstuvwxyz to a server")
	if evaluation.Allowed {
		t.Fatalf("expected prompt to be rejected")
	}
	if len(evaluation.Violations) != 2 {
		t.Fatalf("expected blocked content and secret violations, got %+v", evaluation.Violations)
	}
	err := EnforcePromptPolicy(strings.Repeat("a", MaxPromptLength+1))
	var violation *PolicyViolationError
	if !errors.As(err, &violation) || violation.Violations[0].Code != "prompt_too_large" {
		t.Fatalf("expected prompt_too_large, got %v", err)
	}
}
