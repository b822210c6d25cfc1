// Package sse frames a server-sent event byte stream into data payloads.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Decoder reads server-sent event blocks from an underlying reader and
// returns the joined data payload of each block.
//
// Only data lines carry content. Comment lines (leading ':') and other
// fields such as event, id and retry are ignored.
type Decoder struct {
	r    *bufio.Reader
	data []string
	done bool
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank payload. It returns io.EOF once the input is
// exhausted and any trailing unterminated block has been returned.
func (d *Decoder) Next() (string, error) {
	for !d.done {
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			if payload, ok := d.feed(line); ok {
				return payload, nil
			}
			break
		}

		if payload, ok := d.feed(line); ok {
			return payload, nil
		}
	}

	// flush the block left open at end of input
	if payload, ok := d.flush(); ok {
		return payload, nil
	}
	return "", io.EOF
}

// feed consumes one line. It reports a payload when the line terminates a
// block whose data is not blank.
func (d *Decoder) feed(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	switch {
	case line == "":
		return d.flush()
	case strings.HasPrefix(line, ":"):
		return "", false
	case strings.HasPrefix(line, "data:"):
		value := strings.TrimPrefix(line, "data:")
		value = strings.TrimPrefix(value, " ")
		d.data = append(d.data, value)
	}
	return "", false
}

func (d *Decoder) flush() (string, bool) {
	if len(d.data) == 0 {
		return "", false
	}
	payload := strings.Join(d.data, "\n")
	d.data = d.data[:0]
	if strings.TrimSpace(payload) == "" {
		return "", false
	}
	return payload, true
}
