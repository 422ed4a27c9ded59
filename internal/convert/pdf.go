package convert

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type pdfInfo struct {
	Title   string
	Author  string
	Subject string
	Pages   int
}

// convertPDF extracts text with pdftotext and document info with pdfinfo.
// Missing info is not an error; missing text tools are.
func (c *Converter) convertPDF(ctx context.Context, data []byte) (Result, error) {
	file, err := os.CreateTemp("", "kp-convert-*.pdf")
	if err != nil {
		return Result{}, fmt.Errorf("create temp pdf: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)

	if _, err := file.Write(data); err != nil {
		file.Close()
		return Result{}, fmt.Errorf("write temp pdf: %w", err)
	}
	if err := file.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp pdf: %w", err)
	}

	text, err := c.runner.Run(ctx, "pdftotext", "-enc", "UTF-8", "-layout", path, "-")
	if err != nil {
		return Result{}, fmt.Errorf("parse pdf: %w", err)
	}

	info := pdfInfo{}
	if raw, infoErr := c.runner.Run(ctx, "pdfinfo", path); infoErr == nil {
		info = parsePDFInfo(raw)
	}

	return Result{
		Markdown: pdfMarkdown(info, string(text)),
		Kind:     KindPDF,
		Pages:    info.Pages,
	}, nil
}

func parsePDFInfo(raw []byte) pdfInfo {
	info := pdfInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Title":
			info.Title = value
		case "Author":
			info.Author = value
		case "Subject":
			info.Subject = value
		case "Pages":
			info.Pages, _ = strconv.Atoi(value)
		}
	}
	return info
}

func pdfMarkdown(info pdfInfo, text string) string {
	var b strings.Builder
	title := info.Title
	if title == "" {
		title = "Converted Document"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if info.Author != "" {
		fmt.Fprintf(&b, "**Author:** %s\n\n", info.Author)
	}
	if info.Subject != "" {
		fmt.Fprintf(&b, "**Subject:** %s\n\n", info.Subject)
	}
	b.WriteString("---\n\n")
	// pdftotext separates pages with form feeds.
	b.WriteString(cleanText(strings.ReplaceAll(text, "\f", "\n\n")))
	return b.String()
}
