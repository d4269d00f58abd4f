package loader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"github.com/context-cache/context-cache/internal/store"
)

// DOCXLoader flattens a Word document's paragraphs into plain text,
// preserving paragraph breaks. nguyenthenguyen/docx reads a zip archive by
// path rather than by reader, so the raw bytes are spilled to a scratch
// file first.
type DOCXLoader struct{}

func (DOCXLoader) CanLoad(path string) bool { return extLower(path) == ".docx" }

func (DOCXLoader) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	tmp, err := os.CreateTemp("", "ctxc-docx-*.docx")
	if err != nil {
		return nil, &LoadError{Kind: LoadErrIO, Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return nil, &LoadError{Kind: LoadErrIO, Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &LoadError{Kind: LoadErrIO, Path: path, Err: err}
	}

	doc, err := docx.ReadDocxFile(tmpPath)
	if err != nil {
		return nil, &LoadError{Kind: LoadErrDecode, Path: path, Err: err}
	}
	defer doc.Close()

	content := normalizeNewlines(doc.Editable().GetContent())
	if strings.TrimSpace(content) == "" {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path}
	}

	return []*LoadedDoc{{
		Text:  content,
		MIME:  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Meta:  store.DocumentMeta{},
		Bytes: raw,
	}}, nil
}
