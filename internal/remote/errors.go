package remote

import (
	"encoding/json"
	"fmt"
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

func parseRetryAfter(raw string) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	// If integer delta-seconds
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	// Try HTTP-date
	if t, err := time.Parse(stdhttp.TimeFormat, s); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// statusMessage builds the message for a non-2xx response. hadAuth tells
// whether a bearer credential was sent.
func statusMessage(statusCode int, status string, hadAuth bool, serverMsg string, retryAfter time.Duration) string {
	var base string
	switch statusCode {
	case 429:
		base = "429 Too Many Requests: rate limited"
		if retryAfter > 0 {
			base += fmt.Sprintf(" (retry after %s)", retryAfter.Round(time.Second))
		}
	case 401:
		if hadAuth {
			base = "401 Unauthorized: token rejected"
		} else {
			base = "401 Unauthorized: sign-in required"
		}
	case 403:
		base = "403 Forbidden: account lacks permission"
	case 404:
		base = "404 Not Found"
	default:
		base = status
	}
	if serverMsg != "" {
		return base + ": " + serverMsg
	}
	return base
}

// errorBody is the server's error envelope; either field may be set.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func classifyResponse(op string, resp *stdhttp.Response, body []byte, hadAuth bool) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	text := statusMessage(resp.StatusCode, resp.Status, hadAuth, msg, parseRetryAfter(resp.Header.Get("Retry-After")))
	err := apperrors.FromStatus(op, resp.StatusCode, text)
	if e, ok := err.(*apperrors.Error); ok && resp.StatusCode == 429 {
		// FromStatus replaces the message for 429; keep the retry hint
		e.Message = text
	}
	return err
}
