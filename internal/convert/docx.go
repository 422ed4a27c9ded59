package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
)

var errNoDocumentXML = errors.New("word/document.xml not found")

type documentXML struct {
	Body struct {
		Paragraphs []paragraphXML `xml:"p"`
	} `xml:"body"`
}

type paragraphXML struct {
	Properties struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
		Numbering *struct{} `xml:"numPr"`
	} `xml:"pPr"`
	Runs []runXML `xml:"r"`
}

type runXML struct {
	Properties struct {
		Bold   *struct{} `xml:"b"`
		Italic *struct{} `xml:"i"`
	} `xml:"rPr"`
	Text []struct {
		Content string `xml:",chardata"`
	} `xml:"t"`
}

func docxToMarkdown(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		return renderDocument(content)
	}
	return "", errNoDocumentXML
}

func renderDocument(content []byte) (string, error) {
	var doc documentXML
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", err
	}

	blocks := make([]string, 0, len(doc.Body.Paragraphs))
	for _, para := range doc.Body.Paragraphs {
		text := strings.TrimSpace(paragraphText(para))
		if text == "" {
			continue
		}
		switch level := headingLevel(para.Properties.Style.Val); {
		case level > 0:
			blocks = append(blocks, strings.Repeat("#", level)+" "+text)
		case para.Properties.Numbering != nil || strings.HasPrefix(strings.ToLower(para.Properties.Style.Val), "list"):
			blocks = append(blocks, "- "+text)
		default:
			blocks = append(blocks, text)
		}
	}
	return cleanText(strings.Join(blocks, "\n\n")), nil
}

func paragraphText(para paragraphXML) string {
	var b strings.Builder
	for _, run := range para.Runs {
		var text strings.Builder
		for _, t := range run.Text {
			text.WriteString(t.Content)
		}
		value := text.String()
		if strings.TrimSpace(value) == "" {
			b.WriteString(value)
			continue
		}
		switch {
		case run.Properties.Bold != nil:
			b.WriteString("**" + value + "**")
		case run.Properties.Italic != nil:
			b.WriteString("_" + value + "_")
		default:
			b.WriteString(value)
		}
	}
	return b.String()
}

// headingLevel reads Word styles such as Heading1 or Title.
func headingLevel(style string) int {
	style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if style == "title" {
		return 1
	}
	if !strings.HasPrefix(style, "heading") {
		return 0
	}
	level, err := strconv.Atoi(strings.TrimPrefix(style, "heading"))
	if err != nil || level < 1 || level > 6 {
		return 0
	}
	return level
}
