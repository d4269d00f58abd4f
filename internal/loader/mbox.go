package loader

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"net/mail"
	"path/filepath"
	"strings"

	"github.com/context-cache/context-cache/internal/store"
)

// MBOXLoader splits a classic mbox file on its "From " envelope delimiter
// lines and parses each message independently, producing one LoadedDoc per
// message. A message's external_id is its Message-ID header, falling back
// to a hash of its byte offset in the file when absent.
type MBOXLoader struct{}

func (MBOXLoader) CanLoad(path string) bool { return extLower(path) == ".mbox" }

func (MBOXLoader) Load(path string, raw []byte) ([]*LoadedDoc, error) {
	blocks := splitMboxMessages(raw)
	if len(blocks) == 0 {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path}
	}

	var docs []*LoadedDoc
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, blk := range blocks {
		msg, err := mail.ReadMessage(bytes.NewReader(blk.data))
		if err != nil {
			continue
		}
		doc, err := loadedDocFromMessage(msg)
		if err != nil {
			continue
		}
		doc.Bytes = blk.data

		externalID := msg.Header.Get("Message-Id")
		if externalID == "" {
			externalID = msg.Header.Get("Message-ID")
		}
		if externalID == "" {
			externalID = hashOffset(blk.offset)
		}
		if doc.Meta.Extra == nil {
			doc.Meta.Extra = map[string]string{}
		}
		doc.Meta.Extra["external_id"] = externalID
		if doc.Title == "" {
			doc.Title = title
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return nil, &LoadError{Kind: LoadErrEmpty, Path: path}
	}
	return docs, nil
}

type mboxBlock struct {
	offset int
	data   []byte
}

// splitMboxMessages scans raw for lines starting with "From " at the
// beginning of a line (the mbox envelope separator, distinct from an
// in-body "From:" header by the lack of a colon and by column 0 placement)
// and returns the byte range of each message, envelope line excluded.
func splitMboxMessages(raw []byte) []mboxBlock {
	var blocks []mboxBlock
	lines := bytes.Split(raw, []byte("\n"))

	var cur []byte
	curOffset := 0
	offset := 0
	inMessage := false

	flush := func() {
		if inMessage && len(bytes.TrimSpace(cur)) > 0 {
			blocks = append(blocks, mboxBlock{offset: curOffset, data: append([]byte(nil), cur...)})
		}
		cur = nil
	}

	for _, line := range lines {
		lineLen := len(line) + 1
		if bytes.HasPrefix(line, []byte("From ")) {
			flush()
			inMessage = true
			curOffset = offset
		} else if inMessage {
			cur = append(cur, line...)
			cur = append(cur, '\n')
		}
		offset += lineLen
	}
	flush()
	return blocks
}

func hashOffset(offset int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "offset:%d", offset)
	return fmt.Sprintf("%x", h.Sum64())
}
