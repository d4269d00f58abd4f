// Package embed implements C5: deterministic, dependency-free text
// embeddings. It reuses the teacher's hashed-feature approach (token hash
// plus character n-gram hash, unit-normalized) but drops the teacher's
// code-identifier tokenization (camelCase/snake_case splitting,
// programming-keyword stop list) in favor of natural-language
// tokenization, since chunks here are prose, email, and PDF text rather
// than source code.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/config"
)

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3

	passagePrefix = "passage: "
	queryPrefix   = "query: "
)

var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopWords holds common English function words, filtered the same way
// the teacher filters programming keywords, so high-frequency words don't
// dominate the hashed bag-of-tokens.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "is": true, "it": true, "for": true,
	"with": true, "as": true, "at": true, "by": true, "be": true, "this": true,
	"that": true, "from": true, "are": true, "was": true, "were": true,
}

// Embedder produces unit-norm hashed-feature vectors over a fixed
// dimension, tagging text with a "passage: "/"query: " prefix the way a
// dual-encoder retrieval model would, so a document and a query about the
// same topic hash into overlapping but not identical feature space.
type Embedder struct {
	dim   int
	model string
}

func New(cfg config.EmbedConfig) *Embedder {
	return &Embedder{dim: cfg.Dim, model: cfg.ModelName}
}

func (e *Embedder) Dimensions() int   { return e.dim }
func (e *Embedder) ModelName() string { return e.model }

// EncodePassages embeds chunk text for storage in the index.
func (e *Embedder) EncodePassages(_ context.Context, texts []string) ([][]float32, error) {
	return e.encodeAll(passagePrefix, texts)
}

// EncodeQueries embeds a query for search.
func (e *Embedder) EncodeQueries(_ context.Context, texts []string) ([][]float32, error) {
	return e.encodeAll(queryPrefix, texts)
}

func (e *Embedder) encodeAll(prefix string, texts []string) ([][]float32, error) {
	if e.dim <= 0 {
		return nil, ccerr.New(ccerr.KindEmbed, "embedder dimension must be positive")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, e.dim)
			continue
		}
		out[i] = e.encodeOne(prefix + t)
	}
	return out, nil
}

func (e *Embedder) encodeOne(text string) []float32 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dim)
	}

	vector := make([]float32, e.dim)

	tokens := filterStopWords(tokenize(trimmed))
	for _, tok := range tokens {
		vector[hashToIndex(tok, e.dim)] += tokenWeight
	}

	normalized := normalizeForNgrams(trimmed)
	for _, ng := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ng, e.dim)] += ngramWeight
	}

	return normalizeVector(vector)
}

func tokenize(text string) []string {
	matches := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, strings.ToLower(m))
	}
	return tokens
}

func filterStopWords(tokens []string) []string {
	filtered := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !stopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func normalizeForNgrams(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if r == ' ' || r == '\n' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return nil
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(float64(val) / magnitude)
	}
	return out
}
