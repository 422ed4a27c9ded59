package policy

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

// MaxErrorMessageLength bounds stored error messages in runes.
const MaxErrorMessageLength = 1000

var sensitiveFragments = []string{
	"password",
	"passwd",
	"secret",
	"api_key",
	"apikey",
	"credential",
}

var stackKeys = map[string]struct{}{
	"stack":       {},
	"stacktrace":  {},
	"stack_trace": {},
}

// tokenCounterWords follow a "token" segment in usage counters such as token_count.
var tokenCounterWords = map[string]struct{}{
	"count":    {},
	"counts":   {},
	"usage":    {},
	"limit":    {},
	"budget":   {},
	"estimate": {},
}

// IsSensitiveKey reports whether a map key names a credential. Any segment ending in "token"
// is sensitive unless a counter word follows it, so token_value and access_token are dropped
// while tokens_input and token_count survive.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	segments := keySegments(strings.TrimSpace(key))
	for i, segment := range segments {
		if !strings.HasSuffix(segment, "token") {
			continue
		}
		if i+1 < len(segments) {
			if _, counter := tokenCounterWords[segments[i+1]]; counter {
				continue
			}
		}
		return true
	}
	return false
}

// keySegments splits a key on separators and lower-to-upper case changes, lower-casing each part.
func keySegments(key string) []string {
	var segments []string
	var current strings.Builder
	var previous rune
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, strings.ToLower(current.String()))
			current.Reset()
		}
	}
	for _, r := range key {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(previous):
			flush()
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
		previous = r
	}
	flush()
	return segments
}

type walkOptions struct {
	strip      bool
	dropStacks bool
	trim       bool
	mask       bool
}

func walk(value any, opts walkOptions) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			if opts.strip && IsSensitiveKey(key) {
				continue
			}
			if opts.dropStacks {
				if _, ok := stackKeys[strings.ToLower(key)]; ok {
					continue
				}
			}
			cloned[key] = walk(child, opts)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, walk(child, opts))
		}
		return cloned
	case string:
		if opts.trim {
			typed = strings.TrimSpace(typed)
		}
		if opts.mask {
			typed = MaskPIIString(typed)
		}
		return typed
	default:
		return value
	}
}

// SanitizePayload strips credential fields at any depth and trims string values.
// The payload must be a JSON object.
func SanitizePayload(raw json.RawMessage) (json.RawMessage, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewValidationError("payload", "must be a JSON object")
	}
	if decoded == nil {
		return nil, domain.NewValidationError("payload", "is required")
	}
	return json.Marshal(walk(decoded, walkOptions{strip: true, trim: true}))
}

// SanitizeResult applies the payload rules to a handler result. Non-object results pass through.
func SanitizeResult(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return json.RawMessage(`{}`)
	}
	encoded, err := json.Marshal(walk(decoded, walkOptions{strip: true, trim: true}))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// SanitizeErrorDetails removes credentials and stack traces and masks personal data.
func SanitizeErrorDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	cleaned, _ := walk(details, walkOptions{strip: true, dropStacks: true, trim: true, mask: true}).(map[string]any)
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

// SanitizeErrorMessage trims, masks and truncates a message before it is persisted.
func SanitizeErrorMessage(message string) string {
	message = MaskPIIString(strings.TrimSpace(message))
	if message == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(message) <= MaxErrorMessageLength {
		return message
	}
	runes := []rune(message)
	return string(runes[:MaxErrorMessageLength-3]) + "..."
}
