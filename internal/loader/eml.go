package loader

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/context-cache/context-cache/internal/store"
)

// EMLLoader parses a single RFC 5322 message: headers become title/
// author/created_ts, the first text/plain (or text/html, stripped) part
// becomes the body, and attachments are ignored unless text/*.
type EMLLoader struct{}

func (EMLLoader) CanLoad(path string) bool { return extLower(path) == ".eml" }

func (EMLLoader) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &LoadError{Kind: LoadErrDecode, Path: path, Err: err}
	}
	doc, err := loadedDocFromMessage(msg)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Kind: LoadErrDecode, Path: path, Err: err}
	}
	doc.Bytes = raw
	return []*LoadedDoc{doc}, nil
}

func loadedDocFromMessage(msg *mail.Message) (*LoadedDoc, error) {
	header := msg.Header

	title := header.Get("Subject")
	author := header.Get("From")
	if dec, err := (&mime.WordDecoder{}).DecodeHeader(title); err == nil {
		title = dec
	}

	var createdTS *string
	if dateStr := header.Get("Date"); dateStr != "" {
		if t, err := header.Date(); err == nil {
			s := t.UTC().Format("2006-01-02T15:04:05Z07:00")
			createdTS = &s
		}
	}

	body, err := extractBody(header.Get("Content-Type"), header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, err
	}
	body = normalizeNewlines(body)
	if strings.TrimSpace(body) == "" {
		return nil, &LoadError{Kind: LoadErrEmpty}
	}

	meta := store.DocumentMeta{Extra: map[string]string{}}
	if author != "" {
		meta.Extra["author"] = author
	}
	if createdTS != nil {
		meta.Extra["created_ts"] = *createdTS
	}

	return &LoadedDoc{
		Text:  body,
		MIME:  "message/rfc822",
		Title: title,
		Meta:  meta,
	}, nil
}

// extractBody walks a (possibly multipart) message body for the first
// text/plain part, falling back to text/html stripped of tags. Other
// attachments (non text/*) are ignored entirely.
func extractBody(contentType, transferEncoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(decodeTransferEncoding(transferEncoding, r))
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(mediaType, "text/html") {
			return stripHTML(string(data)), nil
		}
		return string(data), nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		data, _ := io.ReadAll(r)
		return string(data), nil
	}

	mr := multipart.NewReader(r, boundary)
	var htmlFallback string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		partType := part.Header.Get("Content-Type")
		pt, _, _ := mime.ParseMediaType(partType)
		if !strings.HasPrefix(pt, "text/") {
			continue
		}
		data, _ := io.ReadAll(decodeTransferEncoding(part.Header.Get("Content-Transfer-Encoding"), part))
		if strings.HasPrefix(pt, "text/plain") {
			return string(data), nil
		}
		if strings.HasPrefix(pt, "text/html") && htmlFallback == "" {
			htmlFallback = stripHTML(string(data))
		}
	}
	return htmlFallback, nil
}

// decodeTransferEncoding wraps r with the decoder matching the part's
// actual Content-Transfer-Encoding; quoted-printable decoding is only
// correct when the header says so.
func decodeTransferEncoding(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

// stripHTML is a minimal tag stripper sufficient for email bodies; it is
// not a general HTML sanitizer.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
