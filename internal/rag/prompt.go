package rag

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

// NoContextAnswer is the reply requested from the model when the context cannot answer.
const NoContextAnswer = "I don't have enough information in the provided context to answer this question."

const promptSource = `You are a helpful AI assistant. Answer the user's question based on the provided context. If the context doesn't contain enough information to answer the question, say so clearly.

Context:
{{range $i, $block := .Blocks}}{{if $i}}

{{end}}[{{$block.Number}}] {{$block.Title}} (Chunk {{$block.ChunkIndex}}):
{{$block.Content}}{{end}}

User Question: {{.Question}}

Instructions:
- Answer the question using the context provided above
- Cite sources using [1], [2], etc. when referencing specific information
- If the context doesn't contain relevant information, say "{{.NoContext}}"
- Be concise and accurate
- Do not make up information not present in the context

Answer:`

var promptTemplate = template.Must(template.New("rag_v1").Parse(promptSource))

type promptBlock struct {
	Number     int
	Title      string
	ChunkIndex int
	Content    string
}

func blockTitle(result domain.SearchResult) string {
	if title := result.Title(); title != "" {
		return title
	}
	return "Document " + result.DocumentID
}

// BuildPrompt renders numbered context blocks followed by the question and answering rules.
func BuildPrompt(question string, results []domain.SearchResult) (string, error) {
	blocks := make([]promptBlock, 0, len(results))
	for i, result := range results {
		blocks = append(blocks, promptBlock{
			Number:     i + 1,
			Title:      blockTitle(result),
			ChunkIndex: result.ChunkIndex,
			Content:    result.ChunkContent,
		})
	}

	var buffer bytes.Buffer
	err := promptTemplate.Execute(&buffer, map[string]any{
		"Blocks":    blocks,
		"Question":  question,
		"NoContext": NoContextAnswer,
	})
	if err != nil {
		return "", fmt.Errorf("execute rag prompt: %w", err)
	}
	return buffer.String(), nil
}
