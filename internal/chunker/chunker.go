// Package chunker splits markdown documents into bounded, context-prefixed chunks for embedding.
//
// Chunking runs in four passes: structure (headings), semantic (paragraphs, sentences),
// merge and overlap, and context (document and section prefix).
package chunker

import (
	"math"
	"regexp"
	"strings"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

const (
	TargetWords   = 600
	OverlapWords  = 50
	MinWords      = 100
	MaxWords      = 1000
	WordsPerToken = 0.75

	untitled     = "Untitled"
	minBodyWords = 50
)

var (
	headingPattern   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	paragraphPattern = regexp.MustCompile(`\n\s*\n+`)
	sentencePattern  = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

type Options struct {
	TargetWords  int
	OverlapWords int
	MinWords     int
	MaxWords     int
}

func DefaultOptions() Options {
	return Options{
		TargetWords:  TargetWords,
		OverlapWords: OverlapWords,
		MinWords:     MinWords,
		MaxWords:     MaxWords,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.TargetWords <= 0 {
		o.TargetWords = defaults.TargetWords
	}
	if o.OverlapWords < 0 {
		o.OverlapWords = 0
	}
	if o.MinWords <= 0 {
		o.MinWords = defaults.MinWords
	}
	if o.MaxWords <= 0 {
		o.MaxWords = defaults.MaxWords
	}
	if o.TargetWords > o.MaxWords {
		o.TargetWords = o.MaxWords
	}
	return o
}

// MaxTokens is the estimated token ceiling implied by MaxWords.
func (o Options) MaxTokens() int {
	return EstimateTokensForWords(o.withDefaults().MaxWords)
}

type Chunker struct {
	opts Options
}

func New(opts Options) *Chunker {
	return &Chunker{opts: opts.withDefaults()}
}

func (c *Chunker) Options() Options {
	return c.opts
}

type section struct {
	heading string
	level   int
	body    string
}

// Chunk splits content into chunks whose content, prefix included, never exceeds MaxWords.
// Non-blank content that yields no chunk is a data integrity error.
func (c *Chunker) Chunk(content, title string) ([]domain.SemanticChunk, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if strings.TrimSpace(normalized) == "" {
		return []domain.SemanticChunk{}, nil
	}

	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = untitled
	}

	sections := splitSections(normalized)
	chunks := make([]domain.SemanticChunk, 0, len(sections)*2)
	for _, sec := range sections {
		prefix := buildPrefix(title, sec.heading, c.opts.MaxWords-minBodyWords)
		budget := c.opts.MaxWords - CountWords(prefix)
		if budget < 1 {
			budget = 1
		}

		pieces := c.splitSection(sec.body, budget)
		pieces = c.mergeSmall(pieces, budget, CountWords(sec.body) > c.opts.TargetWords)
		pieces = c.addOverlap(pieces, budget)

		chunkType := domain.ChunkTypeParagraph
		if sec.heading != "" {
			chunkType = domain.ChunkTypeHeading
		}
		for _, piece := range pieces {
			text := prefix + "\n\n" + piece
			chunks = append(chunks, domain.SemanticChunk{
				Index:        len(chunks),
				Content:      text,
				Heading:      sec.heading,
				HeadingLevel: sec.level,
				Type:         chunkType,
				TokenCount:   EstimateTokens(text),
				HasContext:   true,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, &domain.DataIntegrityError{Reason: "chunking produced zero chunks for non-empty content"}
	}
	return chunks, nil
}

// splitSections cuts the document at markdown headings found outside fenced code blocks.
// Text before the first heading becomes an unheaded section.
func splitSections(content string) []section {
	sections := make([]section, 0, 8)
	current := section{}
	var body strings.Builder
	inFence := false

	flush := func() {
		current.body = strings.TrimSpace(body.String())
		if current.body != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if isFence(trimmed) {
			inFence = !inFence
		}
		if !inFence {
			if match := headingPattern.FindStringSubmatch(trimmed); match != nil && !isFence(trimmed) {
				flush()
				current = section{heading: strings.TrimSpace(match[2]), level: len(match[1])}
				continue
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()

	if len(sections) == 0 {
		// Only headings: index their text rather than dropping the document.
		sections = append(sections, section{body: strings.TrimSpace(content)})
	}
	return sections
}

type unit struct {
	text      string
	words     int
	paragraph int
}

// splitSection breaks a section body into pieces sized toward an even share of the section.
func (c *Chunker) splitSection(body string, budget int) []string {
	words := CountWords(body)
	if words <= c.opts.TargetWords && words <= budget {
		return []string{body}
	}

	pieceCount := int(math.Ceil(float64(words) / float64(c.opts.TargetWords)))
	if pieceCount < 2 {
		pieceCount = 2
	}
	share := int(math.Ceil(float64(words) / float64(pieceCount)))
	if share > budget {
		share = budget
	}

	units := make([]unit, 0, 32)
	for index, paragraph := range splitParagraphs(body) {
		for _, text := range splitUnit(paragraph, share) {
			units = append(units, unit{text: text, words: CountWords(text), paragraph: index})
		}
	}

	pieces := make([]string, 0, pieceCount)
	var current strings.Builder
	currentWords := 0
	lastParagraph := -1
	for _, u := range units {
		if currentWords > 0 && currentWords+u.words > share {
			pieces = append(pieces, current.String())
			current.Reset()
			currentWords = 0
			lastParagraph = -1
		}
		if currentWords > 0 {
			if u.paragraph == lastParagraph {
				current.WriteString(" ")
			} else {
				current.WriteString("\n\n")
			}
		}
		current.WriteString(u.text)
		currentWords += u.words
		lastParagraph = u.paragraph
	}
	if currentWords > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// splitParagraphs splits on blank lines but keeps fenced code blocks whole.
func splitParagraphs(body string) []string {
	paragraphs := make([]string, 0, 16)
	var fence strings.Builder
	inFence := false

	for _, block := range paragraphPattern.Split(body, -1) {
		block = strings.TrimSpace(block)
		if block == "" && !inFence {
			continue
		}
		fenceMarks := countFences(block)
		switch {
		case inFence:
			fence.WriteString("\n\n")
			fence.WriteString(block)
			if fenceMarks%2 == 1 {
				paragraphs = append(paragraphs, fence.String())
				fence.Reset()
				inFence = false
			}
		case fenceMarks%2 == 1:
			fence.WriteString(block)
			inFence = true
		default:
			paragraphs = append(paragraphs, block)
		}
	}
	if fence.Len() > 0 {
		paragraphs = append(paragraphs, fence.String())
	}
	return paragraphs
}

// splitUnit returns text unchanged when it fits share, else sentences, else word windows.
// Oversized code blocks are windowed by line and re-fenced.
func splitUnit(text string, share int) []string {
	if CountWords(text) <= share {
		return []string{text}
	}
	if strings.HasPrefix(text, "```") || strings.HasPrefix(text, "~~~") {
		return splitCodeBlock(text, share)
	}

	sentences := splitSentences(text)
	out := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		if CountWords(sentence) <= share {
			out = append(out, sentence)
			continue
		}
		out = append(out, windowWords(sentence, share)...)
	}
	return out
}

func splitSentences(text string) []string {
	matches := sentencePattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	sentences := make([]string, 0, len(matches)+1)
	for _, match := range matches {
		if sentence := strings.TrimSpace(text[match[0]:match[1]]); sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	if tail := strings.TrimSpace(text[matches[len(matches)-1][1]:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func windowWords(text string, size int) []string {
	words := strings.Fields(text)
	windows := make([]string, 0, len(words)/size+1)
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, strings.Join(words[start:end], " "))
	}
	return windows
}

func splitCodeBlock(text string, share int) []string {
	lines := strings.Split(text, "\n")
	opener := strings.TrimSpace(lines[0])
	closer := opener[:3]
	inner := lines[1:]
	if len(inner) > 0 && isFence(strings.TrimSpace(inner[len(inner)-1])) {
		inner = inner[:len(inner)-1]
	}

	// Leave room for the fence lines in each window.
	limit := share - CountWords(opener) - 1
	if limit < 1 {
		limit = 1
	}

	blocks := make([]string, 0, 4)
	window := make([]string, 0, len(inner))
	windowWordsCount := 0
	emit := func() {
		if len(window) == 0 {
			return
		}
		blocks = append(blocks, opener+"\n"+strings.Join(window, "\n")+"\n"+closer)
		window = window[:0]
		windowWordsCount = 0
	}
	for _, line := range inner {
		lineWords := CountWords(line)
		if lineWords > limit {
			emit()
			for _, part := range windowWords(line, limit) {
				blocks = append(blocks, opener+"\n"+part+"\n"+closer)
			}
			continue
		}
		if windowWordsCount+lineWords > limit {
			emit()
		}
		window = append(window, line)
		windowWordsCount += lineWords
	}
	emit()
	return blocks
}

// mergeSmall folds pieces under MinWords into the preceding piece when the result fits budget.
// An oversized section always keeps at least two pieces.
func (c *Chunker) mergeSmall(pieces []string, budget int, oversized bool) []string {
	if len(pieces) < 2 {
		return pieces
	}
	out := make([]string, 0, len(pieces))
	for i, piece := range pieces {
		if len(out) > 0 {
			last := out[len(out)-1]
			lastWords, pieceWords := CountWords(last), CountWords(piece)
			remaining := len(out) + len(pieces) - i
			small := lastWords < c.opts.MinWords || pieceWords < c.opts.MinWords
			if small && lastWords+pieceWords <= budget && !(oversized && remaining-1 < 2) {
				out[len(out)-1] = last + "\n\n" + piece
				continue
			}
		}
		out = append(out, piece)
	}
	return out
}

// addOverlap prefixes each piece with the trailing sentence-aligned words of the previous one.
func (c *Chunker) addOverlap(pieces []string, budget int) []string {
	if c.opts.OverlapWords == 0 || len(pieces) < 2 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		out[i] = pieces[i]
		overlap := trailingOverlap(pieces[i-1], c.opts.OverlapWords)
		if overlap == "" {
			continue
		}
		if CountWords(overlap)+CountWords(pieces[i]) > budget {
			continue
		}
		out[i] = overlap + "\n\n" + pieces[i]
	}
	return out
}

func trailingOverlap(previous string, size int) string {
	if strings.Contains(previous, "```") || strings.Contains(previous, "~~~") {
		return ""
	}
	words := strings.Fields(previous)
	if len(words) <= size {
		return ""
	}
	for j := len(words) - size; j < len(words); j++ {
		if endsSentence(words[j-1]) {
			return strings.Join(words[j:], " ")
		}
	}
	return ""
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]`)
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, "!") || strings.HasSuffix(word, "?")
}

// buildPrefix truncates title and heading so the prefix stays within maxWords, labels included.
// Each keeps at least one word.
func buildPrefix(title, heading string, maxWords int) string {
	titleWords := strings.Fields(title)
	headingWords := strings.Fields(heading)

	labels := 1
	if len(headingWords) > 0 {
		labels = 2
	}
	available := max(maxWords-labels, labels)

	titleKeep, headingKeep := len(titleWords), len(headingWords)
	if titleKeep+headingKeep > available {
		headingKeep = min(headingKeep, available/2)
		titleKeep = min(titleKeep, available-headingKeep)
		headingKeep = min(len(headingWords), available-titleKeep)
	}

	prefix := "Document: " + strings.Join(titleWords[:titleKeep], " ")
	if headingKeep > 0 {
		prefix += "\nSection: " + strings.Join(headingWords[:headingKeep], " ")
	}
	return prefix
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

func countFences(block string) int {
	count := 0
	for _, line := range strings.Split(block, "\n") {
		if isFence(strings.TrimSpace(line)) {
			count++
		}
	}
	return count
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EstimateTokens converts words to tokens with the fixed WordsPerToken ratio.
func EstimateTokens(text string) int {
	return EstimateTokensForWords(CountWords(text))
}

func EstimateTokensForWords(words int) int {
	return int(math.Ceil(float64(words) / WordsPerToken))
}
