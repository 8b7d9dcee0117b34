package mirror

import (
	"context"
	"errors"
	"io"
	"strings"
)

const frameReadSize = 32 * 1024

// FrameDecoder splits a byte stream into newline-terminated records. The
// only state is the unterminated tail of the last chunk.
type FrameDecoder struct {
	remainder string
}

func (d *FrameDecoder) Write(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	raw := d.remainder + string(chunk)
	lines := strings.Split(raw, "\n")
	d.remainder = lines[len(lines)-1]
	return lines[:len(lines)-1]
}

// Flush returns the unterminated remainder, if any, and resets the decoder.
func (d *FrameDecoder) Flush() (string, bool) {
	rest := d.remainder
	d.remainder = ""
	if rest == "" {
		return "", false
	}
	return rest, true
}

// DecodeFrames reads r until EOF and sends every record to out in order.
// It does not close out.
func DecodeFrames(ctx context.Context, r io.Reader, out chan<- string) error {
	var decoder FrameDecoder
	buf := make([]byte, frameReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range decoder.Write(buf[:n]) {
				if sendErr := sendRecord(ctx, out, line); sendErr != nil {
					return sendErr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if rest, ok := decoder.Flush(); ok {
				return sendRecord(ctx, out, rest)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func sendRecord(ctx context.Context, out chan<- string, record string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- record:
		return nil
	}
}
