package mirror

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	dumpEntryPrefix   = `{"id":`
	recordPreviewSize = 120
)

type dumpEntry struct {
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

// ExtractDocument turns one bulk-dump record into a Document. Records that
// are not dump entries (array brackets, metadata) and entries without a doc
// payload report ok=false with a nil error. Only a dump entry that fails to
// parse returns an error.
func ExtractDocument(record string) (doc Document, ok bool, err error) {
	line := strings.TrimSpace(record)
	line = strings.TrimSuffix(line, ",")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dumpEntryPrefix) || !strings.HasSuffix(line, "}") {
		return Document{}, false, nil
	}
	var entry dumpEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return Document{}, false, fmt.Errorf("parse dump entry: %w", err)
	}
	body := bytes.TrimSpace(entry.Doc)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return Document{}, false, nil
	}
	doc, err = NewDocument(entry.ID, body)
	if err != nil {
		return Document{}, false, fmt.Errorf("parse dump entry %q: %w", entry.ID, err)
	}
	return doc, true, nil
}

// ExtractDocuments is the extract stage: it consumes records until in is
// closed and forwards documents to out in arrival order. Malformed records
// are logged and counted, never returned. It does not close out.
func ExtractDocuments(ctx context.Context, in <-chan string, out chan<- Document, malformed *atomic.Int64, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, open := <-in:
			if !open {
				return nil
			}
			doc, ok, err := ExtractDocument(record)
			if err != nil {
				if malformed != nil {
					malformed.Add(1)
				}
				log.Error().Err(err).Str("record", preview(record)).Msg("skipping malformed dump record")
				continue
			}
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- doc:
			}
		}
	}
}

func preview(record string) string {
	record = strings.TrimSpace(record)
	if len(record) <= recordPreviewSize {
		return record
	}
	cut := recordPreviewSize
	for cut > 0 && !utf8.RuneStart(record[cut]) {
		cut--
	}
	return record[:cut] + "..."
}
