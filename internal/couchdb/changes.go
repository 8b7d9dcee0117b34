package couchdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/agentworkforce/couchmirror/internal/mirror"
)

const (
	changeEventBuffer = 64
	changeErrorBuffer = 16
	changesReadSize   = 32 * 1024
)

var errFeedInterrupted = errors.New("change feed closed without last_seq")

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Doc     json.RawMessage `json:"doc"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// Changes subscribes to the continuous change feed starting after since.
// Transport failures are reported on Errors and the feed reconnects from
// the last sequence it delivered. Events is closed when the server sends
// last_seq or ctx is cancelled.
func (c *Client) Changes(ctx context.Context, since string) (*mirror.ChangeFeed, error) {
	if ctx == nil {
		return nil, mirror.ErrInvalidInput
	}
	events := make(chan mirror.ChangeEvent, changeEventBuffer)
	errs := make(chan error, changeErrorBuffer)
	go c.runChanges(ctx, strings.TrimSpace(since), events, errs)
	return &mirror.ChangeFeed{Events: events, Errors: errs}, nil
}

func (c *Client) runChanges(ctx context.Context, since string, events chan<- mirror.ChangeEvent, errs chan<- error) {
	defer close(events)
	cursor := since
	for {
		ended, err := c.streamChanges(ctx, &cursor, events, errs)
		if ended || ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errFeedInterrupted
		}
		reportFeedError(errs, err)
		c.log.Warn().Err(err).Str("since", cursor).Dur("delay", c.feedRetryDelay).Msg("change feed reconnecting")
		if waitErr := mirror.Sleep(ctx, c.feedRetryDelay); waitErr != nil {
			return
		}
	}
}

func (c *Client) streamChanges(ctx context.Context, cursor *string, events chan<- mirror.ChangeEvent, errs chan<- error) (bool, error) {
	q := url.Values{}
	q.Set("feed", "continuous")
	q.Set("include_docs", "true")
	q.Set("heartbeat", strconv.FormatInt(c.heartbeat.Milliseconds(), 10))
	if *cursor != "" {
		q.Set("since", *cursor)
	}
	resp, err := c.stream(ctx, c.databasePath("_changes")+"?"+q.Encode())
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var decoder mirror.FrameDecoder
	buf := make([]byte, changesReadSize)
	handle := func(line string) (bool, error) {
		event, ended, err := parseChangeRow(line)
		if err != nil {
			reportFeedError(errs, err)
			return false, nil
		}
		if ended {
			if event.Seq != "" {
				*cursor = event.Seq
			}
			return true, nil
		}
		if event.Seq == "" && event.ID == "" {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case events <- event:
		}
		if event.Seq != "" {
			*cursor = event.Seq
		}
		return false, nil
	}
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range decoder.Write(buf[:n]) {
				ended, err := handle(line)
				if ended || err != nil {
					return ended, err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			if rest, ok := decoder.Flush(); ok {
				return handle(rest)
			}
			return false, nil
		}
		if readErr != nil {
			return false, readErr
		}
	}
}

// parseChangeRow decodes one line of the continuous feed. Blank heartbeat
// lines yield a zero event.
func parseChangeRow(line string) (mirror.ChangeEvent, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return mirror.ChangeEvent{}, false, nil
	}
	var row changeRow
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return mirror.ChangeEvent{}, false, fmt.Errorf("parse change row: %w", err)
	}
	if len(bytes.TrimSpace(row.LastSeq)) > 0 {
		return mirror.ChangeEvent{Seq: seqString(row.LastSeq)}, true, nil
	}
	event := mirror.ChangeEvent{
		Seq:     seqString(row.Seq),
		ID:      row.ID,
		Deleted: row.Deleted,
	}
	body := bytes.TrimSpace(row.Doc)
	if !row.Deleted && len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		doc, err := mirror.NewDocument(row.ID, body)
		if err != nil {
			return mirror.ChangeEvent{}, false, fmt.Errorf("parse change %q: %w", row.ID, err)
		}
		event.Doc = &doc
	}
	return event, false, nil
}

func reportFeedError(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
