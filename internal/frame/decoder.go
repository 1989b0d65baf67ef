package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameBytes bounds a single line. Upstream PCs send short frames.
const DefaultMaxFrameBytes = 64 * 1024

var (
	// ErrFrameTooLong is returned when a line exceeds the configured limit.
	// The oversized line is discarded and the decoder stays usable.
	ErrFrameTooLong = errors.New("frame: line exceeds maximum length")
)

// Decoder splits a byte stream into newline-terminated text frames.
type Decoder struct {
	r        *bufio.Reader
	maxBytes int
}

// NewDecoder wraps r. maxBytes <= 0 selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 4096), maxBytes: maxBytes}
}

// Next returns the next non-empty frame without its line terminator.
// A trailing unterminated line is returned at EOF; io.EOF follows it.
func (d *Decoder) Next() (string, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
		if len(line) == 0 {
			continue
		}
		return string(line), nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > d.maxBytes+2 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, ErrFrameTooLong
			}
			return trimLine(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLong {
				return nil, ErrFrameTooLong
			}
			return trimLine(buf), err
		}
	}
}

func trimLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	return bytes.TrimSpace(b)
}
