// Package chunk implements C4: splitting a normalized document into
// contiguous, byte-exact chunks sized for embedding. Segmentation follows
// headings and blank-line paragraphs (as the teacher's markdown chunker
// does for its sections), then a greedy token-budget accumulator packs
// paragraphs into chunks between MinTokens and TargetTokens, only
// exceeding TargetTokens up to MaxTokens when the alternative is splitting
// mid-paragraph. A section boundary always flushes the accumulator too, so
// every heading gets at least one chunk of its own the way the teacher's
// per-section chunk emission does, even when a section is far under
// TargetTokens. A paragraph that alone exceeds MaxTokens is split further
// on sentence boundaries.
package chunk

import (
	"regexp"
	"strings"

	"github.com/context-cache/context-cache/internal/config"
	"github.com/context-cache/context-cache/internal/store"
)

// tokensPerChar approximates tokenization cost without a real tokenizer,
// matching the teacher's chunker's own rough 4-chars-per-token rule.
const tokensPerChar = 4

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+)$`)

// sentenceBoundary matches the end of a sentence: terminal punctuation,
// an optional closing quote or bracket, then whitespace. The character
// after the whitespace is not checked.
var sentenceBoundary = regexp.MustCompile(`[.!?]["')\]]?\s+`)

func estimateTokens(s string) int {
	n := len(s) / tokensPerChar
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// Chunker splits document text into chunks per a ChunkConfig.
type Chunker struct {
	cfg config.ChunkConfig
}

func New(cfg config.ChunkConfig) *Chunker {
	return &Chunker{cfg: cfg}
}

// paragraph is an intermediate segmentation unit: a contiguous run of text
// between blank lines, tagged with the heading path active at its start
// and the byte offsets it spans in the document's normalized text.
type paragraph struct {
	text       string
	start      int
	end        int
	headerPath string
}

// Chunk splits text into a contiguous, ordinal-numbered sequence of
// store.Chunk values (DocumentID and ID left for the caller to fill in).
// pages, if non-nil, is used to tag each chunk's ChunkMeta.PageFrom/PageTo
// by char-offset overlap.
func (c *Chunker) Chunk(text string, pages []store.PageSpan) []store.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	paras := segment(text)
	if len(paras) == 0 {
		return nil
	}

	var out []store.Chunk
	var cur []paragraph
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, c.buildChunk(text, cur, pages, len(out)))
		cur = nil
		curTokens = 0
	}

	for _, p := range paras {
		pTokens := estimateTokens(p.text)

		if pTokens > c.cfg.MaxTokens {
			flush()
			for _, sub := range splitBySentence(p, c.cfg.MaxTokens) {
				out = append(out, c.buildChunk(text, []paragraph{sub}, pages, len(out)))
			}
			continue
		}

		if len(cur) > 0 && cur[len(cur)-1].headerPath != p.headerPath {
			flush()
		} else if curTokens > 0 && curTokens+pTokens > c.cfg.MaxTokens {
			flush()
		} else if curTokens >= c.cfg.TargetTokens && len(cur) > 0 {
			flush()
		}

		cur = append(cur, p)
		curTokens += pTokens
	}
	flush()

	mergeShortTrailingChunk(text, &out, c.cfg.MinTokens)
	renumberOrdinals(out)
	return out
}

// buildChunk merges a run of paragraphs into one store.Chunk spanning
// from the first paragraph's start to the last paragraph's end. Text is
// always re-sliced from the original source rather than reassembled from
// paragraph fragments, so chunk.Text == text[StartChar:EndChar] holds
// exactly regardless of how segmentation merged or split paragraphs.
func (c *Chunker) buildChunk(text string, paras []paragraph, pages []store.PageSpan, ordinal int) store.Chunk {
	start := paras[0].start
	end := paras[len(paras)-1].end
	section := paras[0].headerPath

	meta := store.ChunkMeta{Section: section}
	if from, to, ok := pageRange(pages, start, end); ok {
		meta.PageFrom = from
		meta.PageTo = to
	}

	body := text[start:end]
	return store.Chunk{
		Ordinal:    ordinal,
		StartChar:  start,
		EndChar:    end,
		Text:       body,
		TokenCount: estimateTokens(body),
		Meta:       meta,
	}
}

// renumberOrdinals reassigns contiguous 0-based ordinals after merges may
// have removed a trailing chunk.
func renumberOrdinals(chunks []store.Chunk) {
	for i := range chunks {
		chunks[i].Ordinal = i
	}
}

func pageRange(pages []store.PageSpan, start, end int) (from, to int, ok bool) {
	for _, p := range pages {
		if p.EndChar <= start || p.StartChar >= end {
			continue
		}
		if !ok {
			from = p.Index
			ok = true
		}
		to = p.Index
	}
	return from, to, ok
}

// segment splits text into heading-aware paragraphs: a blank line ends a
// paragraph, and a heading line starts a new section path and opens a new
// paragraph with the lines directly below it. A heading followed by a
// blank line therefore forms a paragraph of its own, which Chunk packs
// together with the paragraphs after it in the same section (the way the
// teacher keeps a section's header line as the start of its first chunk).
func segment(text string) []paragraph {
	var paras []paragraph
	headerStack := make([]string, 6)
	currentPath := ""

	var bufStart = -1
	flushBuf := func(end int) {
		if bufStart < 0 {
			return
		}
		seg := text[bufStart:end]
		if strings.TrimSpace(seg) != "" {
			paras = append(paras, paragraph{text: seg, start: bufStart, end: end, headerPath: currentPath})
		}
		bufStart = -1
	}

	lines := strings.Split(text, "\n")
	pos := 0
	for _, line := range lines {
		lineLen := len(line)
		trimmed := strings.TrimSpace(line)

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flushBuf(pos)
			level := len(m[1])
			headerStack[level-1] = strings.TrimSpace(m[2])
			for i := level; i < 6; i++ {
				headerStack[i] = ""
			}
			var parts []string
			for i := 0; i < level; i++ {
				if headerStack[i] != "" {
					parts = append(parts, headerStack[i])
				}
			}
			currentPath = strings.Join(parts, " > ")
			bufStart = pos
		} else if trimmed == "" {
			flushBuf(pos)
		} else if bufStart < 0 {
			bufStart = pos
		}

		pos += lineLen + 1
	}
	flushBuf(len(text))

	return paras
}

// splitBySentence breaks an oversized paragraph on sentence boundaries,
// greedily packing sentences up to maxTokens per piece. If a single
// sentence still exceeds maxTokens (e.g. a long unbroken line), it is
// kept whole rather than cut mid-word.
func splitBySentence(p paragraph, maxTokens int) []paragraph {
	locs := sentenceBoundary.FindAllStringIndex(p.text, -1)
	if len(locs) == 0 {
		return []paragraph{p}
	}

	var sentences []string
	prev := 0
	for _, loc := range locs {
		sentences = append(sentences, p.text[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(p.text) {
		sentences = append(sentences, p.text[prev:])
	}

	var out []paragraph
	segStart := p.start
	cursor := p.start
	curTokens := 0
	curLen := 0

	flush := func(end int) {
		if curLen == 0 {
			return
		}
		out = append(out, paragraph{
			text:       p.text[segStart-p.start : end-p.start],
			start:      segStart,
			end:        end,
			headerPath: p.headerPath,
		})
		curTokens = 0
		curLen = 0
	}

	for _, s := range sentences {
		sTokens := estimateTokens(s)
		if curLen > 0 && curTokens+sTokens > maxTokens {
			flush(cursor)
			segStart = cursor
		}
		cursor += len(s)
		curTokens += sTokens
		curLen += len(s)
	}
	flush(p.end)

	return out
}

// mergeShortTrailingChunk folds a final chunk smaller than MinTokens into
// its predecessor, so a document's last paragraph doesn't produce a
// degenerate near-empty chunk on its own. It never merges across a section
// boundary: two short sections must stay the two chunks their headings
// demand, not collapse into one mistagged chunk.
func mergeShortTrailingChunk(text string, chunks *[]store.Chunk, minTokens int) {
	cs := *chunks
	if len(cs) < 2 {
		return
	}
	last := cs[len(cs)-1]
	if last.TokenCount >= minTokens {
		return
	}
	prev := cs[len(cs)-2]
	if last.Meta.Section != prev.Meta.Section {
		return
	}
	merged := prev
	merged.EndChar = last.EndChar
	merged.Text = text[merged.StartChar:merged.EndChar]
	merged.TokenCount = estimateTokens(merged.Text)
	*chunks = append(cs[:len(cs)-2], merged)
}
