package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iago/knowledge-pipeline/internal/convert"
)

var convertMimetype string

var convertCmd = &cobra.Command{
	Use:   "convert [file]",
	Short: "Convert a PDF, DOCX or markdown file to markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		mimetype := convertMimetype
		if mimetype == "" {
			mimetype = mimetypeForExtension(filepath.Ext(args[0]))
		}

		result, err := convert.New().Convert(cmd.Context(), data, mimetype)
		if err != nil {
			return err
		}
		cmd.Println(result.Markdown)
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertMimetype, "mimetype", "", "source mimetype (default guessed from the extension)")
	rootCmd.AddCommand(convertCmd)
}

func mimetypeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return convert.MimePDF
	case ".docx":
		return convert.MimeDOCX
	case ".doc":
		return convert.MimeMSWord
	case ".md", ".markdown":
		return convert.MimeMarkdown
	}
	return "application/octet-stream"
}
