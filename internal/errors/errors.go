// Package errors classifies every failure the sync layer can surface into a
// small taxonomy so callers can decide between retry, degrade and sign-out.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is one class of failure.
type Kind int

const (
	Unexpected Kind = iota
	NoConnectivity
	Timeout
	Unauthenticated
	Forbidden
	NotFound
	ServerError
	Conflict
	ParseError
	StoreError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NoConnectivity:
		return "no_connectivity"
	case Timeout:
		return "timeout"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case Conflict:
		return "conflict"
	case ParseError:
		return "parse_error"
	case StoreError:
		return "store_error"
	case Cancelled:
		return "cancelled"
	default:
		return "unexpected"
	}
}

// Error is a classified failure. Op names the operation ("fetch_page",
// "store.upsert"); Suggestion is shown to people, never parsed.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Suggestion string
	Err        error

	sentinel bool
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Message != "":
		sb.WriteString(e.Message)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(e.Kind.String())
	}
	if e.Message != "" && e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind, so errors.Is(err, ErrTimeout)
// holds for any Timeout error in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// Friendly renders the message plus the "How to fix" block for terminals.
func (e *Error) Friendly() string {
	if e.Suggestion == "" {
		return e.Error()
	}
	return e.Error() + "\n\nHow to fix:\n" + e.Suggestion
}

func newSentinel(k Kind) *Error { return &Error{Kind: k, sentinel: true} }

var (
	ErrUnexpected      = newSentinel(Unexpected)
	ErrNoConnectivity  = newSentinel(NoConnectivity)
	ErrTimeout         = newSentinel(Timeout)
	ErrUnauthenticated = newSentinel(Unauthenticated)
	ErrForbidden       = newSentinel(Forbidden)
	ErrNotFound        = newSentinel(NotFound)
	ErrServerError     = newSentinel(ServerError)
	ErrConflict        = newSentinel(Conflict)
	ErrParse           = newSentinel(ParseError)
	ErrStore           = newSentinel(StoreError)
	ErrCancelled       = newSentinel(Cancelled)
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Store wraps a persistence failure.
func Store(op string, err error) error { return Wrap(StoreError, op, err) }

// KindOf returns the first classified kind in err's chain, Unexpected otherwise.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) {
		return Cancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unexpected
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports transient failures the caller may retry and the sync
// layer may absorb by serving a cached copy.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case NoConnectivity, Timeout, ServerError:
		return true
	}
	return false
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(op string, code int, message string) error {
	if message == "" {
		message = fmt.Sprintf("%d %s", code, http.StatusText(code))
	}
	e := &Error{Op: op, Message: message}
	switch {
	case code == http.StatusUnauthorized:
		e.Kind = Unauthenticated
	case code == http.StatusForbidden:
		e.Kind = Forbidden
	case code == http.StatusNotFound || code == http.StatusGone:
		e.Kind = NotFound
	case code == http.StatusConflict:
		e.Kind = Conflict
	case code == http.StatusRequestTimeout:
		e.Kind = Timeout
	case code == http.StatusTooManyRequests:
		e.Kind = ServerError
		e.Message = "429 Too Many Requests: rate limited"
	case code >= 500 && code <= 599:
		e.Kind = ServerError
	default:
		e.Kind = Unexpected
	}
	e.Suggestion = suggestionFor(e.Kind)
	return e
}

// FromTransport classifies an error returned before any HTTP response arrived.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return err
	}
	kind := NoConnectivity
	var ne net.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		kind = Cancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case stderrors.As(err, &ne) && ne.Timeout():
		kind = Timeout
	case isConnectivity(err):
		kind = NoConnectivity
	}
	return &Error{Kind: kind, Op: op, Err: err, Suggestion: suggestionFor(kind)}
}

func isConnectivity(err error) bool {
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH, syscall.EHOSTUNREACH} {
		if stderrors.Is(err, errno) {
			return true
		}
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}
