package loader

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/store"
)

// PDFLoader extracts per-page plain text, recording a page->char-offset
// map in meta.pages[] for the chunker's approximate page tagging
// (DESIGN.md Open Question (b)).
type PDFLoader struct{}

func (PDFLoader) CanLoad(path string) bool { return extLower(path) == ".pdf" }

func (PDFLoader) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, &LoadError{Kind: LoadErrDecode, Path: path, Err: err}
	}

	var b strings.Builder
	var pages []store.PageSpan
	offset := 0
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = normalizeNewlines(text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		if offset > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		start := offset
		b.WriteString(text)
		offset += len(text)
		pages = append(pages, store.PageSpan{Index: pageNum, StartChar: start, EndChar: offset})
	}

	content := b.String()
	if strings.TrimSpace(content) == "" {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path, Err: ccerr.New(ccerr.KindLoad, "no extractable text")}
	}

	return []*LoadedDoc{{
		Text:  content,
		MIME:  "application/pdf",
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Meta:  store.DocumentMeta{Pages: pages},
		Bytes: raw,
	}}, nil
}
