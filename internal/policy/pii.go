package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)

	// Signed object URLs carry their capability in the query string.
	signatureParamPattern = regexp.MustCompile(`(?i)([?&](?:signature|sig|token)=)[^&\s"]+`)
	emailPattern          = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ibanPattern           = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`)
	cardPattern           = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	phonePattern          = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	isoDatePattern        = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

type maskRule struct {
	pattern *regexp.Regexp
	replace func(match string) string
}

func literal(value string) func(string) string {
	return func(string) string { return value }
}

// Order matters: credentials first, then identifiers, card numbers before the looser phone pattern.
var maskRules = []maskRule{
	{bearerPattern, literal("Bearer [token_redacted]")},
	{apiKeyPattern, literal("[key_redacted]")},
	{signatureParamPattern, func(match string) string {
		prefix, _, _ := strings.Cut(match, "=")
		return prefix + "=[signature_redacted]"
	}},
	{emailPattern, literal("[email_redacted]")},
	{ibanPattern, literal("[iban_redacted]")},
	{cardPattern, maskCardNumber},
	{phonePattern, func(match string) string {
		if isoDatePattern.MatchString(match) {
			return match
		}
		return "[phone_redacted]"
	}},
}

// MaskPIIString replaces credentials and personal identifiers found in free text.
func MaskPIIString(value string) string {
	for _, rule := range maskRules {
		value = rule.pattern.ReplaceAllStringFunc(value, rule.replace)
	}
	return value
}

// MaskPIIJSON masks every string leaf of a job result. Invalid JSON is masked as text.
func MaskPIIJSON(payload json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(payload)) == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(MaskPIIString(string(payload)))
	}

	encoded, err := json.Marshal(walk(decoded, walkOptions{mask: true}))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func maskCardNumber(value string) string {
	digits := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		if value[i] >= '0' && value[i] <= '9' {
			digits = append(digits, value[i])
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
