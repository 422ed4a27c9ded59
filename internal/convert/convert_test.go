package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iago/knowledge-pipeline/internal/command"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	called := m.MethodCalled(name)
	output, _ := called.Get(0).([]byte)
	return output, called.Error(1)
}

func TestConvertPDFBuildsHeaderFromInfo(t *testing.T) {
	runner := &mockRunner{}
	runner.On("pdftotext").Return([]byte("First page text.\r\n\f\n\n\n\nSecond page."), nil)
	runner.On("pdfinfo").Return([]byte("Title:          Annual Report\nAuthor:         Jane Roe\nSubject:\nPages:          2\n"), nil)

	result, err := NewWithRunner(runner).Convert(context.Background(), []byte("%PDF-1.7"), MimePDF)
	require.NoError(t, err)

	assert.Equal(t, KindPDF, result.Kind)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, "# Annual Report\n\n**Author:** Jane Roe\n\n---\n\nFirst page text.\n\nSecond page.", result.Markdown)
	runner.AssertExpectations(t)
}

func TestConvertPDFWithoutInfoUsesDefaultTitle(t *testing.T) {
	runner := &mockRunner{}
	runner.On("pdftotext").Return([]byte("Body"), nil)
	runner.On("pdfinfo").Return(nil, errors.New("pdfinfo failed"))

	result, err := NewWithRunner(runner).Convert(context.Background(), []byte("%PDF"), MimePDF)
	require.NoError(t, err)
	assert.Equal(t, "# Converted Document\n\n---\n\nBody", result.Markdown)
}

func TestConvertPDFFailsWhenTextToolIsMissing(t *testing.T) {
	runner := &mockRunner{}
	runner.On("pdftotext").Return(nil, command.ErrToolNotFound)

	_, err := NewWithRunner(runner).Convert(context.Background(), []byte("%PDF"), MimePDF)
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrToolNotFound)
}

func TestConvertDOCXMapsHeadingsAndLists(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Onboarding</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Welcome to the </w:t></w:r><w:r><w:rPr><w:b/></w:rPr><w:t>team</w:t></w:r><w:r><w:t>.</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Checklist</w:t></w:r></w:p>
<w:p><w:pPr><w:numPr/></w:pPr><w:r><w:t>Get a laptop</w:t></w:r></w:p>
</w:body>
</w:document>`

	result, err := NewWithRunner(&mockRunner{}).Convert(context.Background(), docxFixture(t, body), MimeDOCX)
	require.NoError(t, err)
	assert.Equal(t, KindDOCX, result.Kind)
	assert.Equal(t, "# Onboarding\n\nWelcome to the **team**.\n\n## Checklist\n\n- Get a laptop", result.Markdown)
}

func TestConvertDOCXWithoutDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = NewWithRunner(&mockRunner{}).Convert(context.Background(), buf.Bytes(), MimeMSWord)
	assert.ErrorIs(t, err, errNoDocumentXML)
}

func TestConvertMarkdownPassthrough(t *testing.T) {
	result, err := New().Convert(context.Background(), []byte("# Notes\r\n\r\n\r\n\r\nBody\n"), MimeMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nBody", result.Markdown)
	assert.Equal(t, domain.LineageConvertedFromMarkdown, result.Kind.LineageEvent())
}

func TestConvertRejectsUnsupportedAndEmpty(t *testing.T) {
	_, err := New().Convert(context.Background(), []byte("x"), "image/png")
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "unsupported file type")

	_, err = New().Convert(context.Background(), nil, MimePDF)
	assert.True(t, domain.IsValidation(err))
}

func TestTitleFromFilename(t *testing.T) {
	cases := map[string]string{
		"quarterly_sales-report.pdf": "Quarterly sales report",
		"uploads/abc/notes.md":       "Notes",
		"  spaced__out--name.docx ":  "Spaced out name",
		"":                           "",
	}
	for input, want := range cases {
		assert.Equal(t, want, TitleFromFilename(input), input)
	}
}

func TestKindLineageEvents(t *testing.T) {
	assert.Equal(t, domain.LineageConvertedFromPDF, KindPDF.LineageEvent())
	assert.Equal(t, domain.LineageConvertedFromDOCX, KindDOCX.LineageEvent())
}

func docxFixture(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
