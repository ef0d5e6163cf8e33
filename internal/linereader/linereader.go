// Package linereader reassembles CRLF-terminated header lines and HTTP
// chunked bodies out of raw reads from wireio. A single raw read often
// yields both the tail of the headers and the first body bytes; this
// reader keeps that carry-over as an explicit cursor into a fixed buffer
// rather than leaking a pointer to it, and forbids reading body bytes
// before the header line they belong after has been consumed.
package linereader

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// rawReader is the minimal surface linereader needs from wireio.Conn.
type rawReader interface {
	Read(max int) ([]byte, error)
}

const defaultBufSize = 64 * 1024

// Reader turns a rawReader into a line- and chunk-oriented stream.
type Reader struct {
	conn        rawReader
	buf         []byte
	start       int // first unconsumed byte
	end         int // one past the last valid byte
	bytesRead   int // bytes delivered by the most recent raw read
	inBody      bool
}

// New wraps conn with the default buffer size.
func New(conn rawReader) *Reader {
	return &Reader{conn: conn, buf: make([]byte, defaultBufSize)}
}

// Remaining reports how many carried-over bytes are still buffered.
func (r *Reader) Remaining() int { return r.end - r.start }

func (r *Reader) fill() error {
	if r.start > 0 && r.start == r.end {
		r.start, r.end = 0, 0
	}
	if r.end == len(r.buf) {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
		if r.end == len(r.buf) {
			// line or chunk longer than the buffer; grow it
			r.buf = append(r.buf, make([]byte, len(r.buf))...)
		}
	}
	data, err := r.conn.Read(len(r.buf) - r.end)
	if err != nil {
		return err
	}
	r.bytesRead = len(data)
	copy(r.buf[r.end:], data)
	r.end += len(data)
	return nil
}

// ReadLine returns the next CRLF- or LF-terminated header line with the
// terminator stripped. Callers must not call ReadLine again after the
// blank line that ends the header block without first consuming the body.
func (r *Reader) ReadLine() (string, error) {
	if r.inBody {
		return "", fmt.Errorf("linereader: ReadLine called while body is being read")
	}
	for {
		if idx := bytes.IndexByte(r.buf[r.start:r.end], '\n'); idx >= 0 {
			line := r.buf[r.start : r.start+idx]
			line = bytes.TrimSuffix(line, []byte{'\r'})
			r.start += idx + 1
			return string(line), nil
		}
		if err := r.fill(); err != nil {
			return "", err
		}
	}
}

// BeginBody marks the reader as now serving body bytes; ReadLine is refused
// until EndBody is called, enforcing the header/body ordering guarantee.
func (r *Reader) BeginBody() { r.inBody = true }

// EndBody returns the reader to header-reading mode.
func (r *Reader) EndBody() { r.inBody = false }

// ReadBody reads exactly n bytes, draining any carried-over buffer first.
func (r *Reader) ReadBody(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if r.start < r.end {
			take := n - len(out)
			if avail := r.end - r.start; take > avail {
				take = avail
			}
			out = append(out, r.buf[r.start:r.start+take]...)
			r.start += take
			continue
		}
		if err := r.fill(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// LastChunk is returned by ReadChunk (with last=true) for the zero-length
// terminating chunk; it carries no bytes.
var LastChunk = []byte{}

// ReadChunk reads one HTTP chunked-transfer-coding chunk: the hex size
// line, the payload, and its trailing CRLF. An empty chunk (size 0)
// consumes the terminating blank line and reports last=true.
func (r *Reader) ReadChunk() (data []byte, last bool, err error) {
	r.EndBody()
	sizeLine, err := r.ReadLine()
	if err != nil {
		return nil, false, err
	}
	hexPart := strings.SplitN(sizeLine, ";", 2)[0]
	hexPart = strings.TrimSpace(hexPart)
	size, err := strconv.ParseInt(hexPart, 16, 64)
	if err != nil {
		return nil, false, afderr.New(afderr.KindIO, "linereader.ReadChunk", err)
	}
	if size == 0 {
		// trailer headers (if any) followed by the blank line; we don't
		// expose trailers to callers, so drain until the blank line.
		for {
			line, err := r.ReadLine()
			if err != nil {
				return nil, true, err
			}
			if line == "" {
				break
			}
		}
		return LastChunk, true, nil
	}
	r.BeginBody()
	data, err = r.ReadBody(int(size))
	r.EndBody()
	if err != nil {
		return data, false, err
	}
	if _, err := r.ReadLine(); err != nil { // trailing CRLF after the chunk data
		return data, false, err
	}
	return data, false, nil
}
