package linereader

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedFeed hands back one fixed chunk of the source on every Read call,
// simulating a socket that delivers data piecemeal.
type chunkedFeed struct {
	data     []byte
	pos      int
	feedSize int
}

func (f *chunkedFeed) Read(max int) ([]byte, error) {
	if f.pos >= len(f.data) {
		return nil, io.EOF
	}
	n := f.feedSize
	if n <= 0 || n > max {
		n = max
	}
	if f.pos+n > len(f.data) {
		n = len(f.data) - f.pos
	}
	out := f.data[f.pos : f.pos+n]
	f.pos += n
	return out, nil
}

func TestReadLineSplitsOnCRLF(t *testing.T) {
	feed := &chunkedFeed{data: []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"), feedSize: 3}
	r := New(feed)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Content-Length: 5", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "", line)
}

func TestReadLineRejectedDuringBody(t *testing.T) {
	feed := &chunkedFeed{data: []byte("x")}
	r := New(feed)
	r.BeginBody()
	_, err := r.ReadLine()
	assert.Error(t, err)
}

func TestReadBodyDrainsCarryOverThenFills(t *testing.T) {
	feed := &chunkedFeed{data: []byte("HEAD\r\nhello world"), feedSize: 4}
	r := New(feed)
	_, err := r.ReadLine()
	require.NoError(t, err)

	r.BeginBody()
	body, err := r.ReadBody(11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestReadChunkSingleChunkThenTerminator(t *testing.T) {
	raw := "5\r\nhello\r\n0\r\n\r\n"
	feed := &chunkedFeed{data: []byte(raw), feedSize: 6}
	r := New(feed)

	data, last, err := r.ReadChunk()
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, "hello", string(data))

	data, last, err = r.ReadChunk()
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, LastChunk, data)
}

func TestReadChunkWithExtensionAndTrailer(t *testing.T) {
	raw := "3;ext=1\r\nfoo\r\n0\r\nX-Trailer: v\r\n\r\n"
	feed := &chunkedFeed{data: []byte(raw)}
	r := New(feed)

	data, last, err := r.ReadChunk()
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, "foo", string(data))

	_, last, err = r.ReadChunk()
	require.NoError(t, err)
	assert.True(t, last)
}

func TestReadChunkBadSizeIsError(t *testing.T) {
	feed := &chunkedFeed{data: []byte("zz\r\n")}
	r := New(feed)
	_, _, err := r.ReadChunk()
	assert.Error(t, err)
}
