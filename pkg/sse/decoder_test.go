package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) []string {
	t.Helper()
	d := NewDecoder(strings.NewReader(input))
	var out []string
	for {
		payload, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, payload)
	}
}

func TestDecoderBlocks(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, collect(t, input))
}

func TestDecoderJoinsMultipleDataLines(t *testing.T) {
	input := "data: first\ndata:second\ndata:  third\n\n"
	assert.Equal(t, []string{"first\nsecond\n third"}, collect(t, input))
}

func TestDecoderIgnoresCommentsAndFields(t *testing.T) {
	input := ": keepalive\nevent: message\nid: 7\nretry: 1000\ndata: payload\n\n: ping\n\n"
	assert.Equal(t, []string{"payload"}, collect(t, input))
}

func TestDecoderStripsCarriageReturns(t *testing.T) {
	input := "data: one\r\n\r\ndata: two\r\n\r\n"
	assert.Equal(t, []string{"one", "two"}, collect(t, input))
}

func TestDecoderFlushesTrailingBlock(t *testing.T) {
	assert.Equal(t, []string{"a", "tail"}, collect(t, "data: a\n\ndata: tail"))
	assert.Equal(t, []string{"tail"}, collect(t, "data: tail\n"))
}

func TestDecoderSkipsBlankPayloads(t *testing.T) {
	input := "data:\n\ndata:   \n\n\n\ndata: x\n\n"
	assert.Equal(t, []string{"x"}, collect(t, input))
}

func TestDecoderLongLine(t *testing.T) {
	long := strings.Repeat("x", 512*1024)
	got := collect(t, "data: "+long+"\n\n")
	require.Len(t, got, 1)
	assert.Len(t, got[0], len(long))
}

func TestDecoderEmptyInput(t *testing.T) {
	assert.Empty(t, collect(t, ""))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestDecoderPropagatesReadError(t *testing.T) {
	d := NewDecoder(failingReader{})
	_, err := d.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}
