package afderr

import (
	"errors"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "unknown", Kind(999).String())
}

func TestHTTPStatusTruncatesHeader(t *testing.T) {
	big := make([]byte, maxHeaderBuffer+100)
	for i := range big {
		big[i] = 'x'
	}
	e := HTTPStatus("http.GET", 500, string(big))
	assert.Equal(t, maxHeaderBuffer, len(e.Header))
	assert.Equal(t, KindHTTPStatus, e.Kind)
}

func TestErrorMessages(t *testing.T) {
	e := HTTPStatus("http.GET", 404, "")
	assert.Contains(t, e.Error(), "404")

	b := BudgetExceeded("fetch.RunPass", true)
	assert.Contains(t, b.Error(), "more_files_in_list=true")

	wrapped := New(KindIO, "wireio.Write", errors.New("broken pipe"))
	assert.Contains(t, wrapped.Error(), "broken pipe")
	assert.Equal(t, "broken pipe", errors.Unwrap(wrapped).Error())
}

func TestIsKind(t *testing.T) {
	err := New(KindAuthRequired, "httpcmd.GET", nil)
	assert.True(t, IsKind(err, KindAuthRequired))
	assert.False(t, IsKind(err, KindAuthProtocol))
	assert.False(t, IsKind(errors.New("plain"), KindAuthRequired))
}

func TestTemporary(t *testing.T) {
	assert.True(t, New(KindTimeout, "op", nil).Temporary())
	assert.True(t, HTTPStatus("op", 503, "").Temporary())
	assert.True(t, HTTPStatus("op", 429, "").Temporary())
	assert.False(t, HTTPStatus("op", 404, "").Temporary())
	assert.False(t, New(KindAuthRequired, "op", nil).Temporary())
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(nil))
	assert.True(t, ShouldRetry(io.EOF))
	assert.True(t, ShouldRetry(io.ErrUnexpectedEOF))
	assert.True(t, ShouldRetry(syscall.EPIPE))
	assert.True(t, ShouldRetry(&os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}))
	assert.True(t, ShouldRetry(New(KindTimeout, "op", nil)))
	assert.False(t, ShouldRetry(New(KindAuthRequired, "op", nil)))
	assert.False(t, ShouldRetry(errors.New("unrelated")))
}
