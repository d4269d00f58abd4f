// Package loader implements C3: dispatch by extension/MIME into a
// normalized LoadedDoc, one file per supported format. Pipeline-level
// callers continue past a single failed file; this package only reports it.
package loader

import (
	"path/filepath"
	"strings"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/store"
)

// LoadedDoc is the normalized output of loading one file.
type LoadedDoc struct {
	Text  string
	MIME  string
	Title string
	Meta  store.DocumentMeta
	Bytes []byte
}

// LoadErrorKind enumerates why a single file failed to load.
type LoadErrorKind string

const (
	LoadErrUnsupportedMIME LoadErrorKind = "unsupported_mime"
	LoadErrDecode          LoadErrorKind = "decode_error"
	LoadErrEmpty           LoadErrorKind = "empty"
	LoadErrIO              LoadErrorKind = "io"
)

// LoadError is a per-file failure; the ingest pipeline records it and
// continues with the next file.
type LoadError struct {
	Kind LoadErrorKind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Path
	}
	return string(e.Kind) + ": " + e.Path + ": " + e.Err.Error()
}
func (e *LoadError) Unwrap() error { return e.Err }

// Loader loads one file's raw bytes into a LoadedDoc.
type Loader interface {
	// CanLoad reports whether this loader handles the given path.
	CanLoad(path string) bool
	// Load parses raw into a normalized document (or several, for MBOX).
	Load(path string, raw []byte) ([]*LoadedDoc, error)
}

// Registry dispatches a path to the first Loader that claims it.
type Registry struct {
	loaders []Loader
}

// NewRegistry builds the default registry: markdown/plaintext, PDF, DOCX,
// EML, MBOX, in that preference order.
func NewRegistry() *Registry {
	return &Registry{loaders: []Loader{
		&MarkdownLoader{},
		&PDFLoader{},
		&DOCXLoader{},
		&EMLLoader{},
		&MBOXLoader{},
	}}
}

// Load finds a loader for path and runs it, wrapping all failures as
// *LoadError so the pipeline can classify and continue.
func (r *Registry) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	if len(raw) == 0 {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path, Err: ccerr.New(ccerr.KindLoad, "empty file")}
	}
	for _, l := range r.loaders {
		if l.CanLoad(path) {
			docs, err := l.Load(path, raw)
			if err != nil {
				if le, ok := err.(*LoadError); ok {
					return nil, le
				}
				return nil, &LoadError{Kind: LoadErrDecode, Path: path, Err: err}
			}
			return docs, nil
		}
	}
	return nil, &LoadError{Kind: LoadErrUnsupportedMIME, Path: path, Err: ccerr.New(ccerr.KindLoad, "no loader for "+filepath.Ext(path))}
}

func extLower(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// normalizeNewlines canonicalizes line endings to LF and strips a leading
// UTF-8 BOM, per spec.md's loader normalisation rule for text formats.
func normalizeNewlines(s string) string {
	s = strings.TrimPrefix(s, string(rune(0xFEFF)))
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
