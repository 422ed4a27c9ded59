package policy

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var ErrContentPolicyViolation = errors.New("content policy violation")

// MaxPromptLength bounds generation prompts in runes.
const MaxPromptLength = 20000

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Evaluation struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrContentPolicyViolation.Error()
	}
	codes := make([]string, len(e.Violations))
	for i, violation := range e.Violations {
		codes[i] = violation.Code
	}
	return "content policy violation: " + e.Violations[0].Message + " (" + strings.Join(codes, ",") + ")"
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrContentPolicyViolation
}

type promptRule struct {
	Violation
	// matches receives the trimmed prompt and its lower-cased form.
	matches func(prompt, lowered string) bool
}

var promptRules = []promptRule{
	{
		Violation: Violation{Code: "prompt_too_large", Message: "prompt exceeds policy size limit"},
		matches: func(prompt, _ string) bool {
			return utf8.RuneCountInString(prompt) > MaxPromptLength
		},
	},
	{
		Violation: Violation{Code: "blocked_content", Message: "prompt requests content blocked by policy"},
		matches: func(_, lowered string) bool {
			for _, keyword := range blockedKeywords {
				if strings.Contains(lowered, keyword) {
					return true
				}
			}
			return false
		},
	},
	{
		// Generated drafts are stored in the tenant corpus and indexed for search.
		Violation: Violation{Code: "prompt_contains_secret", Message: "prompt contains a credential"},
		matches: func(prompt, _ string) bool {
			return apiKeyPattern.MatchString(prompt) || bearerPattern.MatchString(prompt)
		},
	},
}

var blockedKeywords = []string{
	"phishing",
	"ransomware",
	"malware",
	"keylogger",
	"credential stuffing",
	"mass spam",
}

// EnforcePromptPolicy rejects generation prompts that are oversized, ask for abusive content or
// carry credentials into a document that will be indexed.
func EnforcePromptPolicy(prompt string) error {
	evaluation := EvaluatePrompt(prompt)
	if evaluation.Allowed {
		return nil
	}
	return &PolicyViolationError{Violations: evaluation.Violations}
}

func EvaluatePrompt(prompt string) Evaluation {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return Evaluation{Allowed: true}
	}
	lowered := strings.ToLower(trimmed)

	var violations []Violation
	for _, rule := range promptRules {
		if rule.matches(trimmed, lowered) {
			violations = append(violations, rule.Violation)
		}
	}
	return Evaluation{Allowed: len(violations) == 0, Violations: violations}
}
