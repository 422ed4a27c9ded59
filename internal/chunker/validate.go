package chunker

import (
	"fmt"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

type Issue struct {
	Index   int
	Problem string
}

// Report is advisory. Undersized chunks are reported but do not make Valid false.
type Report struct {
	Valid  bool
	Issues []Issue
}

func (c *Chunker) Validate(chunks []domain.SemanticChunk) Report {
	report := Report{Valid: true}
	for _, chunk := range chunks {
		words := CountWords(chunk.Content)
		switch {
		case words == 0:
			report.Valid = false
			report.Issues = append(report.Issues, Issue{Index: chunk.Index, Problem: "empty chunk"})
		case words > c.opts.MaxWords:
			report.Valid = false
			report.Issues = append(report.Issues, Issue{
				Index:   chunk.Index,
				Problem: fmt.Sprintf("too large: %d words, max %d", words, c.opts.MaxWords),
			})
		case words < c.opts.MinWords && len(chunks) > 1:
			report.Issues = append(report.Issues, Issue{
				Index:   chunk.Index,
				Problem: fmt.Sprintf("too small: %d words, min %d", words, c.opts.MinWords),
			})
		}
	}
	return report
}

type Stats struct {
	TotalChunks    int     `json:"total_chunks"`
	TotalTokens    int     `json:"total_tokens"`
	AvgTokens      float64 `json:"avg_tokens"`
	MinTokens      int     `json:"min_tokens"`
	MaxTokens      int     `json:"max_tokens"`
	WithContext    int     `json:"with_context"`
	HeadedSections int     `json:"headed_sections"`
}

func ComputeStats(chunks []domain.SemanticChunk) Stats {
	stats := Stats{TotalChunks: len(chunks)}
	if len(chunks) == 0 {
		return stats
	}
	headings := make(map[string]struct{})
	stats.MinTokens = chunks[0].TokenCount
	for _, chunk := range chunks {
		stats.TotalTokens += chunk.TokenCount
		if chunk.TokenCount < stats.MinTokens {
			stats.MinTokens = chunk.TokenCount
		}
		if chunk.TokenCount > stats.MaxTokens {
			stats.MaxTokens = chunk.TokenCount
		}
		if chunk.HasContext {
			stats.WithContext++
		}
		if chunk.Heading != "" {
			headings[chunk.Heading] = struct{}{}
		}
	}
	stats.AvgTokens = float64(stats.TotalTokens) / float64(len(chunks))
	stats.HeadedSections = len(headings)
	return stats
}
