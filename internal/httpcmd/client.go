// Package httpcmd implements the HTTP/1.1 command layer (GET/HEAD/PUT/
// DELETE/OPTIONS/NOOP) as finite procedures over the wireio connection, the
// linereader, the HMR state, and the afdauth scheme implementations. Each
// verb is a pure procedure over {HMR, wireio, linereader, afdauth}: no
// verb keeps state the HMR struct doesn't already carry.
package httpcmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/AFD-sub010/internal/afdauth"
	"github.com/holger24/AFD-sub010/internal/afderr"
	"github.com/holger24/AFD-sub010/internal/hmr"
	"github.com/holger24/AFD-sub010/internal/linereader"
	"github.com/holger24/AFD-sub010/internal/wireio"
)

// AuthConfig selects and configures the authentication scheme for a Client.
type AuthConfig struct {
	Type    string // "", "basic", "digest", "sigv4"
	User    string
	Pass    string
	Region  string // sigv4
	Service string // sigv4
}

// Options configures a Client; the fields mirror HMR's immutable-after-connect set.
type Options struct {
	Hostname        string
	Port            int
	HTTPProxy       string // non-empty selects absolute-URI request targets
	TLS             wireio.Features
	TransferTimeout time.Duration
	UserAgent       string
	NoExpectContinue bool // disable "Expect: 100-continue" on PUT
	Auth            AuthConfig
}

// Client drives one connection's worth of HTTP/1.1 request/response cycles.
type Client struct {
	opt    Options
	hmr    *hmr.HMR
	conn   *wireio.Conn
	reader *linereader.Reader
	closed bool

	digest *afdauth.DigestClient
	sigv4  *afdauth.SigV4Signer
}

// New builds an unconnected Client.
func New(opt Options) *Client {
	return &Client{
		opt: opt,
		hmr: hmr.New(opt.Hostname, opt.Port, opt.Auth.Type),
	}
}

// Connect dials the configured host and transitions HMR to Connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed {
		return afderr.New(afderr.KindPermanentDisconnect, "http.Connect", nil)
	}
	addr := fmt.Sprintf("%s:%d", c.opt.Hostname, c.opt.Port)
	conn, err := wireio.Connect(ctx, addr, c.opt.TLS)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = linereader.New(conn)
	return c.hmr.Transition(hmr.StateConnected)
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.hmr.State() != hmr.StateClosed {
		_ = c.hmr.Transition(hmr.StateClosed)
	}
	c.hmr.ClearAuth()
	if err := c.hmr.Transition(hmr.StateConnected); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", c.opt.Hostname, c.opt.Port)
	conn, err := wireio.Connect(ctx, addr, c.opt.TLS)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = linereader.New(conn)
	return nil
}

// Quit closes the connection and makes the Client terminally unusable.
func (c *Client) Quit() error {
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) requestTarget(path string) string {
	if c.opt.HTTPProxy == "" {
		return path
	}
	scheme := "http"
	if c.opt.TLS.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.opt.Hostname, path)
}

func (c *Client) sendRequest(method, path string, headers http.Header, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, c.requestTarget(path))
	fmt.Fprintf(&b, "Host: %s\r\n", c.opt.Hostname)
	if c.opt.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", c.opt.UserAgent)
	}
	b.WriteString("Accept: */*\r\n")
	for k, vs := range headers {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	if err := c.conn.Write([]byte(b.String())); err != nil {
		return err
	}
	if len(body) > 0 {
		return c.conn.Write(body)
	}
	return nil
}

type rawResponse struct {
	Status int
	Header http.Header
}

func (c *Client) readStatusAndHeaders() (*rawResponse, error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, afderr.New(afderr.KindIO, "http.readStatusAndHeaders", fmt.Errorf("malformed status line %q", line))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, afderr.New(afderr.KindIO, "http.readStatusAndHeaders", fmt.Errorf("malformed status code %q", parts[1]))
	}
	c.hmr.HTTPVersion = parts[0]
	hdr := http.Header{}
	for {
		l, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if l == "" {
			break
		}
		kv := strings.SplitN(l, ":", 2)
		if len(kv) != 2 {
			continue
		}
		hdr.Add(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
	}
	return &rawResponse{Status: status, Header: hdr}, nil
}

// applyResponseHeaders updates the HMR fields §4.3 says this reply carries.
func (c *Client) applyResponseHeaders(resp *rawResponse) {
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			c.hmr.ContentLength = n
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			c.hmr.Date = t
		}
	}
	if et := resp.Header.Get("ETag"); et != "" {
		weak := strings.HasPrefix(et, "W/")
		c.hmr.ETag = strings.TrimPrefix(et, "W/")
		c.hmr.ETagWeak = weak
	}
	c.hmr.Chunked = strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked")
	c.hmr.Close = strings.EqualFold(resp.Header.Get("Connection"), "close")
	if allow := resp.Header.Get("Allow"); allow != "" {
		applyAllowHeader(c.hmr, allow)
	}
	if name, err := parseFilename(resp.Header.Get("Content-Disposition")); err == nil && name != "" {
		c.hmr.Filename = name
	}
	if ai := resp.Header.Get("Authentication-Info"); ai != "" && c.digest != nil {
		c.digest.HandleAuthenticationInfo(ai)
	}
}

func applyAllowHeader(h *hmr.HMR, allow string) {
	for _, v := range strings.Split(allow, ",") {
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "GET":
			h.MarkOptionSupported(hmr.VerbGet)
		case "HEAD":
			h.MarkOptionSupported(hmr.VerbHead)
		case "PUT":
			h.MarkOptionSupported(hmr.VerbPut)
		case "DELETE":
			h.MarkOptionSupported(hmr.VerbDelete)
		case "OPTIONS":
			h.MarkOptionSupported(hmr.VerbOptions)
		}
	}
}

// parseFilename extracts the filename= parameter of a Content-Disposition
// header, rejecting names that would escape the staging directory.
func parseFilename(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	idx := strings.Index(strings.ToLower(header), "filename=")
	if idx < 0 {
		return "", nil
	}
	rest := strings.TrimSpace(header[idx+len("filename="):])
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.Trim(rest, `"`)
	if rest == "" || strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, "/") || strings.Contains(rest, "/") {
		return "", fmt.Errorf("httpcmd: rejected filename %q", rest)
	}
	return rest, nil
}

func dumpHeader(h http.Header) string {
	var b strings.Builder
	for k, vs := range h {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	return b.String()
}

// preSendReconnect reconnects transparently if the peer half-closed the
// connection, or if the previous response carried Connection: close —
// the reconnect for that case is deferred to the *next* verb call rather
// than happening immediately after the 2xx response that announced it.
func (c *Client) preSendReconnect(ctx context.Context) error {
	if c.closed {
		return afderr.New(afderr.KindPermanentDisconnect, "http", nil)
	}
	if c.hmr.Close || c.conn.PeerClosed() {
		if err := c.reconnect(ctx); err != nil {
			return err
		}
		c.hmr.Retries = 1
	}
	return nil
}

// do sends one request and reads the response, handling the pre-send
// reconnect check and an EPIPE-triggered reconnect-and-resend.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte) (*rawResponse, error) {
	if err := c.preSendReconnect(ctx); err != nil {
		return nil, err
	}
	if err := c.hmr.Transition(hmr.StateRequesting); err != nil {
		return nil, err
	}
	c.hmr.ResetPerRequest()
	if err := c.sendRequest(method, path, headers, body); err != nil {
		if !afderr.ShouldRetry(err) {
			return nil, err
		}
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
		if err := c.sendRequest(method, path, headers, body); err != nil {
			return nil, err
		}
	}
	resp, err := c.readStatusAndHeaders()
	if err != nil {
		return nil, err
	}
	c.applyResponseHeaders(resp)
	if err := c.hmr.Transition(hmr.StateResponding); err != nil {
		return nil, err
	}
	return resp, nil
}

// applyAuth sets the Authorization header for the configured scheme, if any.
func (c *Client) applyAuth(ctx context.Context, headers http.Header, method, path string, body []byte) error {
	switch c.opt.Auth.Type {
	case "", "none":
		return nil
	case "basic":
		v, err := afdauth.Basic(c.opt.Auth.User, c.opt.Auth.Pass)
		if err != nil {
			return afderr.New(afderr.KindAuthRequired, "http.applyAuth", err)
		}
		headers.Set("Authorization", v)
		return nil
	case "digest":
		if c.digest == nil || c.digest.Challenge.Nonce == "" {
			return nil // no challenge seen yet; first request goes out unauthenticated
		}
		v, err := c.digest.Authorization(method, path, body)
		if err != nil {
			return afderr.New(afderr.KindAuthRequired, "http.applyAuth", err)
		}
		headers.Set("Authorization", v)
		return nil
	case "sigv4":
		if c.sigv4 == nil {
			return afderr.New(afderr.KindAuthRequired, "http.applyAuth", nil)
		}
		req, err := http.NewRequest(method, c.requestTarget(path), nil)
		if err != nil {
			return err
		}
		payloadHash := afdauth.UnsignedPayload
		if body != nil {
			payloadHash = afdauth.HashBody(body)
		}
		if err := c.sigv4.SignRequest(ctx, req, payloadHash, time.Now()); err != nil {
			return afderr.New(afderr.KindAuthProtocol, "http.applyAuth", err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				headers.Add(k, v)
			}
		}
		return nil
	default:
		return fmt.Errorf("httpcmd: unknown auth type %q", c.opt.Auth.Type)
	}
}

// SetSigV4Signer installs the signer used when Auth.Type == "sigv4".
func (c *Client) SetSigV4Signer(s *afdauth.SigV4Signer) { c.sigv4 = s }

// handle401 clears stale auth, parses the challenge, and installs fresh auth
// material so the caller's retried request carries it. Only Digest needs
// state carried between challenge and response; Basic just resends, and
// any other scheme (SigV4 or none) reports AuthRequired instead of retrying.
func (c *Client) handle401(resp *rawResponse) error {
	c.hmr.ClearAuth()
	switch c.opt.Auth.Type {
	case "digest":
		challenge, err := afdauth.ParseDigestChallenge(resp.Header.Get("Www-Authenticate"))
		if err != nil {
			return err
		}
		c.digest = &afdauth.DigestClient{User: c.opt.Auth.User, Pass: c.opt.Auth.Pass, Challenge: *challenge}
		return nil
	case "basic":
		if c.opt.Auth.User == "" {
			return afderr.New(afderr.KindAuthRequired, "http.handle401", nil)
		}
		return nil
	default:
		return afderr.New(afderr.KindAuthRequired, "http.handle401", nil)
	}
}

// GetResult summarizes what a GET discovered about the resource.
type GetResult struct {
	Status        int
	ContentLength int64
	Chunked       bool
	Filename      string
	ETag          string
}

// GET implements §4.5's GET verb: Range/If-None-Match, 416-retry-from-zero,
// 401 re-authentication, and the filename-override surfacing.
func (c *Client) GET(ctx context.Context, path, filename string, offset int64, ifNoneMatch string) (GetResult, io.Reader, error) {
	for attempt := 0; attempt < 3; attempt++ {
		headers := http.Header{}
		if offset > 0 {
			headers.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		if ifNoneMatch != "" {
			headers.Set("If-None-Match", ifNoneMatch)
		}
		if strings.HasSuffix(filename, ".gz") {
			headers.Set("Accept-Encoding", "gzip")
		}
		if err := c.applyAuth(ctx, headers, "GET", path, nil); err != nil {
			return GetResult{}, nil, err
		}
		resp, err := c.do(ctx, "GET", path, headers, nil)
		if err != nil {
			return GetResult{}, nil, err
		}
		switch resp.Status {
		case http.StatusUnauthorized:
			if err := c.handle401(resp); err != nil {
				return GetResult{}, nil, err
			}
			continue
		case http.StatusRequestedRangeNotSatisfiable:
			if offset > 0 {
				offset = 0
				continue
			}
			return GetResult{}, nil, afderr.HTTPStatus("http.GET", resp.Status, dumpHeader(resp.Header))
		case http.StatusNotModified:
			return GetResult{Status: resp.Status}, nil, afderr.New(afderr.KindNothingToFetch, "http.GET", nil)
		case http.StatusOK, http.StatusNoContent, http.StatusPartialContent:
			body := c.bodyReader()
			return GetResult{
				Status:        resp.Status,
				ContentLength: c.hmr.ContentLength,
				Chunked:       c.hmr.Chunked,
				Filename:      c.hmr.Filename,
				ETag:          c.hmr.ETag,
			}, body, nil
		default:
			return GetResult{}, nil, afderr.HTTPStatus("http.GET", resp.Status, dumpHeader(resp.Header))
		}
	}
	return GetResult{}, nil, afderr.New(afderr.KindAuthRequired, "http.GET", fmt.Errorf("retry budget exhausted"))
}

// bodyReader returns a reader over the current response body, honoring
// whichever framing the last response declared (chunked or Content-Length).
func (c *Client) bodyReader() io.Reader {
	if c.hmr.Chunked {
		return &chunkedBodyReader{r: c.reader}
	}
	return &fixedBodyReader{r: c.reader, remaining: c.hmr.ContentLength}
}

type fixedBodyReader struct {
	r         *linereader.Reader
	remaining int64
}

func (f *fixedBodyReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > f.remaining {
		n = int(f.remaining)
	}
	f.r.BeginBody()
	data, err := f.r.ReadBody(n)
	f.r.EndBody()
	copy(p, data)
	f.remaining -= int64(len(data))
	if err != nil {
		return len(data), err
	}
	if f.remaining == 0 {
		return len(data), io.EOF
	}
	return len(data), nil
}

type chunkedBodyReader struct {
	r       *linereader.Reader
	current []byte
	done    bool
}

func (c *chunkedBodyReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	for len(c.current) == 0 {
		data, last, err := c.r.ReadChunk()
		if err != nil {
			return 0, err
		}
		if last {
			c.done = true
			return 0, io.EOF
		}
		c.current = data
	}
	n := copy(p, c.current)
	c.current = c.current[n:]
	return n, nil
}

// HEAD implements §4.5's HEAD verb.
func (c *Client) HEAD(ctx context.Context, path, filename string) (int, time.Time, int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		headers := http.Header{}
		if err := c.applyAuth(ctx, headers, "HEAD", path, nil); err != nil {
			return 0, time.Time{}, 0, err
		}
		resp, err := c.do(ctx, "HEAD", path, headers, nil)
		if err != nil {
			return 0, time.Time{}, 0, err
		}
		switch resp.Status {
		case http.StatusUnauthorized:
			if err := c.handle401(resp); err != nil {
				return 0, time.Time{}, 0, err
			}
			continue
		case http.StatusOK, http.StatusNoContent, http.StatusPartialContent:
			return resp.Status, c.hmr.Date, c.hmr.ContentLength, nil
		case http.StatusBadRequest, http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			c.hmr.MarkOptionUnsupported(hmr.VerbHead)
			return resp.Status, time.Time{}, 0, afderr.New(afderr.KindUnsupported, "http.HEAD", nil)
		default:
			return resp.Status, time.Time{}, 0, afderr.HTTPStatus("http.HEAD", resp.Status, dumpHeader(resp.Header))
		}
	}
	return 0, time.Time{}, 0, afderr.New(afderr.KindAuthRequired, "http.HEAD", fmt.Errorf("retry budget exhausted"))
}

// PUT implements §4.5's PUT verb, including the Expect: 100-continue gate.
func (c *Client) PUT(ctx context.Context, path, filename string, size int64, body io.Reader, isFirst bool) (int, error) {
	for attempt := 0; attempt < 3; attempt++ {
		headers := http.Header{}
		headers.Set("Content-Length", strconv.FormatInt(size, 10))
		expectContinue := size > 0 && !c.opt.NoExpectContinue
		if expectContinue {
			headers.Set("Expect", "100-continue")
		}
		if err := c.applyAuth(ctx, headers, "PUT", path, nil); err != nil {
			return 0, err
		}
		if err := c.preSendReconnect(ctx); err != nil {
			return 0, err
		}
		if err := c.hmr.Transition(hmr.StateRequesting); err != nil {
			return 0, err
		}
		c.hmr.ResetPerRequest()
		if err := c.sendRequest("PUT", path, headers, nil); err != nil {
			return 0, err
		}
		if expectContinue {
			resp, err := c.readStatusAndHeaders()
			if err != nil {
				return 0, err
			}
			if resp.Status != http.StatusContinue {
				c.applyResponseHeaders(resp)
				if err := c.hmr.Transition(hmr.StateResponding); err != nil {
					return 0, err
				}
				if resp.Status == http.StatusUnauthorized {
					if err := c.handle401(resp); err != nil {
						return 0, err
					}
					continue
				}
				return resp.Status, nil
			}
		}
		if size > 0 {
			if err := c.streamBody(body, size); err != nil {
				return 0, err
			}
		}
		resp, err := c.readStatusAndHeaders() // http_put_response(): terminal 200/201/204
		if err != nil {
			return 0, err
		}
		c.applyResponseHeaders(resp)
		if err := c.hmr.Transition(hmr.StateResponding); err != nil {
			return 0, err
		}
		return resp.Status, nil
	}
	return 0, afderr.New(afderr.KindAuthRequired, "http.PUT", fmt.Errorf("retry budget exhausted"))
}

func (c *Client) streamBody(body io.Reader, size int64) error {
	buf := make([]byte, 32*1024)
	var sent int64
	for sent < size {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := c.conn.Write(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return afderr.New(afderr.KindIO, "http.PUT", err)
		}
	}
	return nil
}

// DELETE implements §4.5's DELETE verb.
func (c *Client) DELETE(ctx context.Context, path, filename string) (int, error) {
	for attempt := 0; attempt < 3; attempt++ {
		headers := http.Header{}
		if err := c.applyAuth(ctx, headers, "DELETE", path, nil); err != nil {
			return 0, err
		}
		resp, err := c.do(ctx, "DELETE", path, headers, nil)
		if err != nil {
			return 0, err
		}
		switch resp.Status {
		case http.StatusUnauthorized:
			if err := c.handle401(resp); err != nil {
				return 0, err
			}
			continue
		case http.StatusOK, http.StatusNoContent:
			return resp.Status, nil
		case http.StatusBadRequest, http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			c.hmr.MarkOptionUnsupported(hmr.VerbDelete)
			return resp.Status, afderr.HTTPStatus("http.DELETE", resp.Status, dumpHeader(resp.Header))
		default:
			return resp.Status, afderr.HTTPStatus("http.DELETE", resp.Status, dumpHeader(resp.Header))
		}
	}
	return 0, afderr.New(afderr.KindAuthRequired, "http.DELETE", fmt.Errorf("retry budget exhausted"))
}

// OPTIONS implements §4.5's OPTIONS verb: populates the http_options mask.
// A 403/405/500 just leaves the mask empty; it is not a fatal failure.
func (c *Client) OPTIONS(ctx context.Context, path string) (hmr.Verb, error) {
	headers := http.Header{}
	if err := c.applyAuth(ctx, headers, "OPTIONS", path, nil); err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, "OPTIONS", path, headers, nil)
	if err != nil {
		return 0, err
	}
	switch resp.Status {
	case http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusInternalServerError:
		return 0, nil
	}
	return c.hmr.HTTPOptions, nil
}

// Supported reports whether verb has not been marked as not working on this
// server. HEAD and DELETE mark themselves on a 400/403/405/501 reply; an
// OPTIONS Allow header only marks verbs as supported.
func (c *Client) Supported(v hmr.Verb) bool { return c.hmr.Supported(v) }

// NOOP keeps an idle connection warm; HTTP has no NOOP, so this is a HEAD
// against the bucket/path root.
func (c *Client) NOOP(ctx context.Context, rootPath string) error {
	_, _, _, err := c.HEAD(ctx, rootPath, "")
	if afderr.IsKind(err, afderr.KindUnsupported) {
		return nil
	}
	return err
}
