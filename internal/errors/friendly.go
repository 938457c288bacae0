package errors

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

func suggestionFor(k Kind) string {
	switch k {
	case NoConnectivity:
		return "Check your network connection; cached data is still available offline"
	case Timeout:
		return "The server is slow or unreachable. Retry, or raise network.timeout_seconds"
	case Unauthenticated:
		return "Sign in again: maintsync login"
	case Forbidden:
		return "Your account lacks access to this item; ask an administrator"
	case ServerError:
		return "The server reported an error. Try again later"
	case StoreError:
		return "Run: maintsync doctor"
	}
	return ""
}

// DiskSpaceError reports that staged content would not fit.
func DiskSpaceError(availableBytes, requiredBytes uint64) *Error {
	return &Error{
		Kind: StoreError,
		Op:   "download",
		Message: fmt.Sprintf("insufficient disk space: need %s but only %s available",
			humanize.Bytes(requiredBytes), humanize.Bytes(availableBytes)),
		Suggestion: fmt.Sprintf("Free up at least %s of disk space and try again",
			humanize.Bytes(requiredBytes-availableBytes)),
	}
}

// DatabaseError classifies a local persistence failure with recovery hints.
func DatabaseError(op string, err error) *Error {
	e := &Error{Kind: StoreError, Op: op, Err: err, Suggestion: suggestionFor(StoreError)}
	if err == nil {
		return e
	}
	errStr := err.Error()
	if strings.Contains(errStr, "locked") || strings.Contains(errStr, "busy") {
		e.Message = "database is locked by another process"
		e.Suggestion = "Close other maintsync instances and try again"
	}
	if strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed") {
		e.Message = "database is corrupted"
		e.Suggestion = "Back up with 'maintsync janitor --backup FILE', then remove state.db to rebuild the cache"
	}
	return e
}

// PathError returns file/directory path related errors.
func PathError(path string, err error) *Error {
	e := &Error{
		Kind:       StoreError,
		Op:         "path",
		Message:    fmt.Sprintf("path error: %s", path),
		Suggestion: "Check that the path exists and you have permission to access it",
		Err:        err,
	}
	if err == nil {
		return e
	}
	errStr := err.Error()
	if strings.Contains(errStr, "permission denied") {
		e.Message = fmt.Sprintf("permission denied: %s", path)
		e.Suggestion = fmt.Sprintf("Ensure you have write permission:\n  chmod u+w %s", path)
	}
	if strings.Contains(errStr, "no such file or directory") {
		e.Message = fmt.Sprintf("directory does not exist: %s", path)
		e.Suggestion = fmt.Sprintf("Create the directory:\n  mkdir -p %s", path)
	}
	return e
}
