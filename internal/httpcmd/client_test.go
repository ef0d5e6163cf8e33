package httpcmd

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holger24/AFD-sub010/internal/afderr"
	"github.com/holger24/AFD-sub010/internal/hmr"
	"github.com/holger24/AFD-sub010/internal/linereader"
	"github.com/holger24/AFD-sub010/internal/wireio"
)

// newPipedClient builds a Client wired to one half of a net.Pipe, already
// transitioned to Connected, and returns the other half for a fake server
// goroutine to drive.
func newPipedClient(t *testing.T, opt Options) (*Client, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := New(opt)
	conn := wireio.NewFromConn(clientSide, opt.TLS)
	c.conn = conn
	c.reader = linereader.New(conn)
	require.NoError(t, c.hmr.Transition(hmr.StateConnected))
	t.Cleanup(func() { _ = clientSide.Close(); _ = serverSide.Close() })
	return c, serverSide
}

// serveOnce reads one HTTP request line off conn (discarding headers/body)
// and writes back raw, a literal HTTP/1.1 response.
func serveOnce(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	go func() {
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(conn, raw)
	}()
}

func TestGETSimple200(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com", UserAgent: "test"})
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	res, body, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, int64(5), res.ContentLength)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGETChunkedBody(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	serveOnce(t, server, raw)

	res, body, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, "")
	require.NoError(t, err)
	assert.True(t, res.Chunked)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestGETNotModified(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	serveOnce(t, server, "HTTP/1.1 304 Not Modified\r\n\r\n")

	_, _, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, `"etag"`)
	assert.True(t, afderr.IsKind(err, afderr.KindNothingToFetch))
}

func TestGET416RetriesFromZero(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	go func() {
		br := bufio.NewReader(server)
		req1, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req1.Body.Close()
		assert.Equal(t, "bytes=100-", req1.Header.Get("Range"))
		_, _ = io.WriteString(server, "HTTP/1.1 416 Range Not Satisfiable\r\nContent-Length: 0\r\n\r\n")

		req2, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req2.Body.Close()
		assert.Empty(t, req2.Header.Get("Range"))
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc")
	}()

	res, body, err := c.GET(context.Background(), "/a.txt", "a.txt", 100, "")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestGETDigest401Reauth(t *testing.T) {
	c, server := newPipedClient(t, Options{
		Hostname: "example.com",
		Auth:     AuthConfig{Type: "digest", User: "Mufasa", Pass: "Circle Of Life"},
	})
	go func() {
		br := bufio.NewReader(server)
		req1, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req1.Body.Close()
		assert.Empty(t, req1.Header.Get("Authorization"))
		challenge := `Digest realm="testrealm@host.com", qop="auth", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`
		_, _ = io.WriteString(server, "HTTP/1.1 401 Unauthorized\r\nWww-Authenticate: "+challenge+"\r\nContent-Length: 0\r\n\r\n")

		req2, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req2.Body.Close()
		assert.Contains(t, req2.Header.Get("Authorization"), `username="Mufasa"`)
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	res, body, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestGETDigestAuthenticationInfoResetsNonceCounter(t *testing.T) {
	c, server := newPipedClient(t, Options{
		Hostname: "example.com",
		Auth:     AuthConfig{Type: "digest", User: "Mufasa", Pass: "Circle Of Life"},
	})
	go func() {
		br := bufio.NewReader(server)

		req1, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req1.Body.Close()
		assert.Empty(t, req1.Header.Get("Authorization"))
		challenge := `Digest realm="testrealm@host.com", qop="auth", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`
		_, _ = io.WriteString(server, "HTTP/1.1 401 Unauthorized\r\nWww-Authenticate: "+challenge+"\r\nContent-Length: 0\r\n\r\n")

		req2, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req2.Body.Close()
		assert.Contains(t, req2.Header.Get("Authorization"), `nc=00000001`)
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nAuthentication-Info: nextnonce=\"5ccc069c403ebaf9f0171e9517f40e41\", qop=auth\r\nContent-Length: 2\r\n\r\nok")

		req3, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req3.Body.Close()
		assert.Contains(t, req3.Header.Get("Authorization"), `nonce="5ccc069c403ebaf9f0171e9517f40e41"`)
		assert.Contains(t, req3.Header.Get("Authorization"), `nc=00000001`)
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	// First call drives the 401->digest-authorized retry (req1, req2)
	// internally; the 200 response to req2 carries Authentication-Info.
	_, body1, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, "")
	require.NoError(t, err)
	_, err = io.ReadAll(body1)
	require.NoError(t, err)

	// Second call (req3) must already be authorized with the rolled-over
	// nonce and a reset nonce counter.
	_, body2, err := c.GET(context.Background(), "/a.txt", "a.txt", 0, "")
	require.NoError(t, err)
	data, err := io.ReadAll(body2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestHEADMarksVerbUnsupportedOn405(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	serveOnce(t, server, "HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n")

	_, _, _, err := c.HEAD(context.Background(), "/a.txt", "a.txt")
	assert.Error(t, err)
	assert.False(t, c.Supported(hmr.VerbHead))
}

func TestDELETESuccess(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	serveOnce(t, server, "HTTP/1.1 204 No Content\r\n\r\n")

	status, err := c.DELETE(context.Background(), "/a.txt", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
}

func TestOPTIONSPopulatesAllowMask(t *testing.T) {
	c, server := newPipedClient(t, Options{Hostname: "example.com"})
	serveOnce(t, server, "HTTP/1.1 200 OK\r\nAllow: GET, HEAD, PUT\r\nContent-Length: 0\r\n\r\n")

	mask, err := c.OPTIONS(context.Background(), "/")
	require.NoError(t, err)
	assert.NotZero(t, mask&hmr.VerbGet)
	assert.NotZero(t, mask&hmr.VerbHead)
	assert.NotZero(t, mask&hmr.VerbPut)
	assert.Zero(t, mask&hmr.VerbDelete)
}
