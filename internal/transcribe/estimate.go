package transcribe

import (
	"math"
	"path/filepath"
	"strings"
)

const (
	wordsPerMinute  = 150
	megabytesPerMin = 10
	maxTitleLength  = 100
)

// EstimateDurationMinutes is the larger of the speech estimate and the file size estimate, at least one.
func EstimateDurationMinutes(transcript string, fileSize int64) int {
	fromWords := int(math.Ceil(float64(len(strings.Fields(transcript))) / wordsPerMinute))
	fromSize := int(math.Ceil(float64(fileSize) / (1024 * 1024) / megabytesPerMin))
	return max(fromWords, fromSize, 1)
}

// VideoTitle prefers a short first transcript line and falls back to the filename.
func VideoTitle(filename, transcript string) string {
	firstLine, _, _ := strings.Cut(transcript, "\n")
	firstLine = strings.TrimSpace(firstLine)

	if n := len(firstLine); n > 10 && n <= 80 && !strings.Contains(firstLine, "Transcript") {
		if cleaned := strings.TrimSpace(strings.TrimLeft(firstLine, "#")); cleaned != "" {
			return truncateTitle(cleaned)
		}
	}

	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	name = strings.Join(strings.Fields(name), " ")

	if len(name) > 0 && len(name) <= 80 {
		return truncateTitle("Video: " + name)
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return truncateTitle("Video Transcript: " + name + "...")
}

func truncateTitle(title string) string {
	if len(title) <= maxTitleLength {
		return title
	}
	return title[:maxTitleLength-3] + "..."
}
