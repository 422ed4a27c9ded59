package quality

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ErrQualityRejected = errors.New("output failed quality checks")

const (
	// MaxGeneratedLength caps stored generated content in runes.
	MaxGeneratedLength = 100000
	maxTitleLength     = 100
	maxPromptTitle     = 80
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	iframeBlockPattern = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`)
	// Openers or closers left without a partner, including a tag cut off before its '>'.
	danglingTagPattern = regexp.MustCompile(`(?i)</?(?:script|iframe)\b[^>]*>?`)
	jsSchemePattern    = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrPattern   = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	headingPrefix      = regexp.MustCompile(`^#+\s*`)
)

// GeneratedDocument is model output that passed validation.
type GeneratedDocument struct {
	Title     string
	Content   string
	Corrected bool
	Truncated bool
}

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// ValidateGenerated sanitizes model output and derives a title for the draft document.
func (v *OutputValidator) ValidateGenerated(prompt, output string) (GeneratedDocument, error) {
	content, corrected := SanitizeGeneratedContent(output)
	truncated := false
	if utf8.RuneCountInString(content) > MaxGeneratedLength {
		content = string([]rune(content)[:MaxGeneratedLength])
		truncated = true
	}
	if content == "" {
		return GeneratedDocument{}, fmt.Errorf("%w: generated content is empty", ErrQualityRejected)
	}

	return GeneratedDocument{
		Title:     GeneratedTitle(content, prompt),
		Content:   content,
		Corrected: corrected,
		Truncated: truncated,
	}, nil
}

// SanitizeGeneratedContent removes executable markup and reports whether anything changed.
func SanitizeGeneratedContent(value string) (string, bool) {
	cleaned := scriptBlockPattern.ReplaceAllString(value, "")
	cleaned = iframeBlockPattern.ReplaceAllString(cleaned, "")
	cleaned = danglingTagPattern.ReplaceAllString(cleaned, "")
	cleaned = jsSchemePattern.ReplaceAllString(cleaned, "")
	cleaned = eventAttrPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, cleaned != strings.TrimSpace(value)
}

// GeneratedTitle uses a leading markdown heading when it is short enough, else the prompt.
func GeneratedTitle(content, prompt string) string {
	firstLine := content
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		firstLine = content[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)
	if strings.HasPrefix(firstLine, "#") {
		heading := normalizeText(headingPrefix.ReplaceAllString(firstLine, ""))
		if heading != "" && utf8.RuneCountInString(heading) <= maxTitleLength {
			return heading
		}
	}

	subject := normalizeText(prompt)
	if utf8.RuneCountInString(subject) > maxPromptTitle {
		subject = string([]rune(subject)[:maxPromptTitle-3]) + "..."
	}
	return "AI Generated: " + subject
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
