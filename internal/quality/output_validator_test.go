package quality

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateGeneratedStripsExecutableMarkup(t *testing.T) {
	validator := NewOutputValidator()

	doc, err := validator.ValidateGenerated("onboarding", `# Onboarding Guide

Welcome.<script>alert(1)</script> <a href="javascript:void(0)" onclick="x()">link</a>
<iframe src="https://evil"></iframe>`)
	if err != nil {
		t.Fatalf("expected output to validate: %v", err)
	}
	for _, fragment := range []string{"<script", "<iframe", "javascript:", "onclick="} {
		if strings.Contains(doc.Content, fragment) {
			t.Fatalf("expected %q to be removed, got %q", fragment, doc.Content)
		}
	}
	if !doc.Corrected {
		t.Fatalf("expected corrected flag")
	}
	if doc.Title != "Onboarding Guide" {
		t.Fatalf("expected heading title, got %q", doc.Title)
	}
}

func TestSanitizeGeneratedContentDropsUnclosedTags(t *testing.T) {
	cleaned, corrected := SanitizeGeneratedContent("Intro <script src=\"https://evil/x.js\"> middle <IFRAME src=x> tail end <script")
	if !corrected {
		t.Fatalf("expected content to be marked corrected")
	}
	for _, fragment := range []string{"<script", "<IFRAME", "evil"} {
		if strings.Contains(cleaned, fragment) {
			t.Fatalf("expected %q to be removed, got %q", fragment, cleaned)
		}
	}
	for _, kept := range []string{"Intro", "middle", "tail", "end"} {
		if !strings.Contains(cleaned, kept) {
			t.Fatalf("expected %q to be kept, got %q", kept, cleaned)
		}
	}
}

func TestValidateGeneratedCapsLength(t *testing.T) {
	doc, err := NewOutputValidator().ValidateGenerated("p", strings.Repeat("a", MaxGeneratedLength+50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Content) != MaxGeneratedLength || !doc.Truncated {
		t.Fatalf("expected content capped at %d, got %d", MaxGeneratedLength, len(doc.Content))
	}
}

func TestValidateGeneratedRejectsEmptyOutput(t *testing.T) {
	_, err := NewOutputValidator().ValidateGenerated("p", "  <script>x</script> ")
	if !errors.Is(err, ErrQualityRejected) {
		t.Fatalf("expected quality rejection, got %v", err)
	}
}

func TestGeneratedTitleFallsBackToPrompt(t *testing.T) {
	title := GeneratedTitle("Plain body text", "Summarize the quarterly report")
	if title != "AI Generated: Summarize the quarterly report" {
		t.Fatalf("unexpected title %q", title)
	}

	long := strings.Repeat("p", 120)
	title = GeneratedTitle("body", long)
	if title != "AI Generated: "+strings.Repeat("p", 77)+"..." {
		t.Fatalf("unexpected long prompt title %q", title)
	}

	title = GeneratedTitle("# "+strings.Repeat("h", 101)+"\nbody", "short")
	if title != "AI Generated: short" {
		t.Fatalf("expected oversized heading to be ignored, got %q", title)
	}
}
