// Package afderr names the error kinds used across the AFD core so callers
// can branch on what went wrong without type-asserting transport errors.
package afderr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"

	perrors "github.com/pkg/errors"
)

// Kind enumerates the error categories from the design's error handling section.
type Kind int

// Error kinds. Unknown is the zero value and should never be constructed directly.
const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnectionReset
	KindConnectionRefused
	KindDNS
	KindTLSHandshake
	KindTLSVerify
	KindIO
	KindHTTPStatus
	KindAuthRequired
	KindAuthProtocol
	KindUnsupported
	KindPermanentDisconnect
	KindListError
	KindNothingToFetch
	KindBudgetExceeded
	KindLsDataAttach
	KindLsDataVersion
	KindLockBusy
	KindLedgerParse
	KindLedgerIO
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionReset:
		return "connection-reset"
	case KindConnectionRefused:
		return "refused"
	case KindDNS:
		return "dns"
	case KindTLSHandshake:
		return "tls-handshake"
	case KindTLSVerify:
		return "tls-verify"
	case KindIO:
		return "io"
	case KindHTTPStatus:
		return "http-status"
	case KindAuthRequired:
		return "auth-required"
	case KindAuthProtocol:
		return "auth-protocol"
	case KindUnsupported:
		return "unsupported"
	case KindPermanentDisconnect:
		return "permanent-disconnect"
	case KindListError:
		return "list-error"
	case KindNothingToFetch:
		return "nothing-to-fetch"
	case KindBudgetExceeded:
		return "budget-exceeded"
	case KindLsDataAttach:
		return "ls-data-attach"
	case KindLsDataVersion:
		return "ls-data-version"
	case KindLockBusy:
		return "lock-busy"
	case KindLedgerParse:
		return "ledger-parse"
	case KindLedgerIO:
		return "ledger-io"
	default:
		return "unknown"
	}
}

// maxHeaderBuffer bounds how much of a saved response header we keep around
// for the owning daemon to log; never grows unbounded on chatty servers.
const maxHeaderBuffer = 4096

// Error is the concrete error type returned by the core. It wraps an
// underlying cause and is designed to survive errors.Is/As/Unwrap.
type Error struct {
	Kind            Kind
	Op              string // what was being attempted, e.g. "http.GET"
	Status          int    // valid when Kind == KindHTTPStatus
	MoreFilesInList bool   // valid when Kind == KindBudgetExceeded
	Header          string // bounded, saved response header for diagnostics
	Err             error
}

// New wraps cause under the given kind and operation label.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// HTTPStatus builds an error for a non-2xx HTTP response, bounding the saved header text.
func HTTPStatus(op string, status int, header string) *Error {
	if len(header) > maxHeaderBuffer {
		header = header[:maxHeaderBuffer]
	}
	return &Error{Kind: KindHTTPStatus, Op: op, Status: status, Header: header}
}

// Wrapf decorates err with a formatted message using pkg/errors, for
// failures that want a stack trace and causal chain but don't fit one of
// the Kind values above (config loading, path resolution). Returns nil if
// err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return perrors.Wrapf(err, format, args...)
}

// BudgetExceeded reports that a retrieve-list pass admitted all it could this round.
func BudgetExceeded(op string, more bool) *Error {
	return &Error{Kind: KindBudgetExceeded, Op: op, MoreFilesInList: more}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("%s: http status %d", e.Op, e.Status)
	case KindBudgetExceeded:
		return fmt.Sprintf("%s: budget exceeded (more_files_in_list=%v)", e.Op, e.MoreFilesInList)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation might succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionReset, KindIO:
		return true
	case KindHTTPStatus:
		return e.Status >= 500 || e.Status == 429
	default:
		return false
	}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// errUseOfClosedNetworkConnection mirrors the unexported net package string;
// the standard library gives no exported sentinel for it.
var errUseOfClosedNetworkConnection = errors.New("use of closed network connection")

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), errUseOfClosedNetworkConnection.Error()) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET || errno == syscall.EAGAIN
	}
	return false
}

// ShouldRetry decides whether err represents a transient transport failure
// worth retrying on a fresh connection.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if isClosedConnError(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ShouldRetry(urlErr.Err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ShouldRetry(opErr.Err)
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return ShouldRetry(sysErr.Err)
	}
	var afdErr *Error
	if errors.As(err, &afdErr) {
		return afdErr.Temporary()
	}
	return false
}
