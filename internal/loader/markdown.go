package loader

import (
	"regexp"
	"strings"

	"github.com/context-cache/context-cache/internal/store"
	"gopkg.in/yaml.v3"
)

// frontmatterPattern matches a leading YAML frontmatter block, the same
// shape the teacher's markdown chunker already recognizes.
var frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

// MarkdownLoader handles markdown and plain text: LF canonicalization,
// BOM stripping, and front-matter -> meta.tags extraction.
type MarkdownLoader struct{}

func (MarkdownLoader) CanLoad(path string) bool {
	ext := extLower(path)
	return ext == ".md" || ext == ".markdown" || ext == ".txt" || ext == ""
}

func (MarkdownLoader) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	text := normalizeNewlines(string(raw))

	meta := store.DocumentMeta{}
	body := text
	mime := "text/markdown"
	if extLower(path) == ".txt" {
		mime = "text/plain"
	}

	if m := frontmatterPattern.FindStringSubmatch(text); m != nil {
		var fm struct {
			Tags  []string `yaml:"tags"`
			Title string   `yaml:"title"`
		}
		if err := yaml.Unmarshal([]byte(m[1]), &fm); err == nil {
			meta.Tags = fm.Tags
		}
		body = text[len(m[0]):]
	}

	if strings.TrimSpace(body) == "" {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path}
	}

	title := titleFromMarkdown(body)

	return []*LoadedDoc{{
		Text:  body,
		MIME:  mime,
		Title: title,
		Meta:  meta,
		Bytes: raw,
	}}, nil
}

// titleFromMarkdown takes the first level-1 heading, falling back to the
// first non-empty line.
func titleFromMarkdown(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
		return trimmed
	}
	return ""
}
