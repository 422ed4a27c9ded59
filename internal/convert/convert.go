// Package convert turns uploaded PDF, DOCX and markdown files into markdown documents.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/iago/knowledge-pipeline/internal/command"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeMSWord   = "application/msword"
	MimeMarkdown = "text/markdown"
)

type Kind string

const (
	KindPDF      Kind = "pdf"
	KindDOCX     Kind = "docx"
	KindMarkdown Kind = "markdown"
)

// LineageEvent returns the lineage event recorded for a document converted from kind.
func (k Kind) LineageEvent() domain.LineageEventType {
	switch k {
	case KindPDF:
		return domain.LineageConvertedFromPDF
	case KindDOCX:
		return domain.LineageConvertedFromDOCX
	default:
		return domain.LineageConvertedFromMarkdown
	}
}

type Result struct {
	Markdown string
	Kind     Kind
	Pages    int
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

type Converter struct {
	runner command.Runner
}

func New() *Converter {
	return NewWithRunner(command.ExecRunner{})
}

func NewWithRunner(runner command.Runner) *Converter {
	return &Converter{runner: runner}
}

// KindFor maps a mimetype to a supported kind. Unsupported types are a validation error.
func KindFor(mimetype string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(mimetype)) {
	case MimePDF:
		return KindPDF, nil
	case MimeDOCX, MimeMSWord:
		return KindDOCX, nil
	case MimeMarkdown, "text/x-markdown":
		return KindMarkdown, nil
	default:
		return "", domain.NewValidationError("mimetype", fmt.Sprintf("unsupported file type: %s", mimetype))
	}
}

func (c *Converter) Convert(ctx context.Context, data []byte, mimetype string) (Result, error) {
	kind, err := KindFor(mimetype)
	if err != nil {
		return Result{}, err
	}
	if len(data) == 0 {
		return Result{}, domain.NewValidationError("file", "is empty")
	}

	switch kind {
	case KindPDF:
		return c.convertPDF(ctx, data)
	case KindDOCX:
		markdown, err := docxToMarkdown(data)
		if err != nil {
			return Result{}, fmt.Errorf("parse docx: %w", err)
		}
		return Result{Markdown: markdown, Kind: KindDOCX}, nil
	default:
		if !utf8.Valid(data) {
			return Result{}, domain.NewValidationError("file", "markdown is not valid UTF-8")
		}
		return Result{Markdown: cleanText(string(data)), Kind: KindMarkdown}, nil
	}
}

// TitleFromFilename drops the extension, turns dashes and underscores into spaces
// and capitalizes the first letter.
func TitleFromFilename(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || name == "." {
		return ""
	}
	first, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(first)) + name[size:]
}

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
