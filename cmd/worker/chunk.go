package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iago/knowledge-pipeline/internal/bootstrap"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/convert"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

var (
	chunkTitle string
	chunkJSON  bool
)

var chunkCmd = &cobra.Command{
	Use:   "chunk [file]",
	Short: "Chunk a markdown file the way the indexing job does",
	Args:  cobra.ExactArgs(1),
	RunE:  runChunk,
}

func init() {
	chunkCmd.Flags().StringVar(&chunkTitle, "title", "", "document title used in chunk prefixes (default derived from the filename)")
	chunkCmd.Flags().BoolVar(&chunkJSON, "json", false, "output chunks as JSON")
	rootCmd.AddCommand(chunkCmd)
}

type chunkOutput struct {
	Chunks []domain.SemanticChunk `json:"chunks"`
	Stats  chunker.Stats          `json:"stats"`
	Issues []chunker.Issue        `json:"issues,omitempty"`
}

func runChunk(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	title := chunkTitle
	if title == "" {
		title = convert.TitleFromFilename(filepath.Base(args[0]))
	}

	c := bootstrap.NewChunker(cfg)
	chunks, err := c.Chunk(string(content), title)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	output := chunkOutput{Chunks: chunks, Stats: chunker.ComputeStats(chunks), Issues: c.Validate(chunks).Issues}

	if chunkJSON {
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal chunks: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	for _, chunk := range output.Chunks {
		heading := chunk.Heading
		if heading == "" {
			heading = "-"
		}
		cmd.Printf("[%d] %s tokens=%d heading=%s\n", chunk.Index, chunk.Type, chunk.TokenCount, heading)
		cmd.Printf("    %s\n", preview(chunk.Content, 80))
	}
	cmd.Printf("chunks=%d total_tokens=%d avg_tokens=%.1f\n", output.Stats.TotalChunks, output.Stats.TotalTokens, output.Stats.AvgTokens)
	for _, issue := range output.Issues {
		cmd.Printf("issue chunk=%d %s\n", issue.Index, issue.Problem)
	}
	return nil
}

func preview(text string, limit int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= limit {
		return flat
	}
	return string(runes[:limit]) + "..."
}
