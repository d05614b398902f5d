// Package taxonomy implements the closed set of download error codes:
// classification into retryable/non-retryable, human descriptions, and
// normalization of free-text error strings from the external download
// client into a canonical code.
package taxonomy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// Code is one of the canonical download error codes.
type Code string

const (
	// Non-retryable codes — permanent failures, never auto-retried.
	FileNotFound Code = "file_not_found"
	UserBlocked  Code = "user_blocked"
	InvalidFile  Code = "invalid_file"
	FileTooSmall Code = "file_too_small"

	// Retryable codes — transient, eligible for backoff retry.
	Timeout            Code = "timeout"
	UserOffline        Code = "user_offline"
	TransferFailed     Code = "transfer_failed"
	QueueTimeout       Code = "queue_timeout"
	ConnectionError    Code = "connection_error"
	RateLimited        Code = "rate_limited"
	ServiceUnavailable Code = "service_unavailable"
	Unknown            Code = "unknown"
)

var nonRetryable = map[Code]bool{
	FileNotFound: true,
	UserBlocked:  true,
	InvalidFile:  true,
	FileTooSmall: true,
}

var descriptions = map[Code]string{
	FileNotFound:       "File not found on the peer network",
	UserBlocked:        "Blocked by the sharing user",
	InvalidFile:        "Downloaded file is corrupted or invalid",
	FileTooSmall:       "File is smaller than the minimum size threshold",
	Timeout:            "Connection timed out",
	UserOffline:        "User went offline during download",
	TransferFailed:     "Transfer failed (network error)",
	QueueTimeout:       "Waited too long in the peer's upload queue",
	ConnectionError:    "Could not connect to the peer",
	RateLimited:        "Too many requests (rate limited)",
	ServiceUnavailable: "The external download service is unavailable",
	Unknown:            "Unknown error occurred",
}

// Classify reports whether code is retryable. Codes outside the closed set
// are treated as retryable, the same fail-open choice the taxonomy makes for
// a nil/unparseable error (see Normalize).
func Classify(code Code) (retryable bool) {
	return !nonRetryable[code]
}

// IsRetryable is a convenience wrapper around Classify.
func IsRetryable(code Code) bool { return Classify(code) }

// Describe returns a human-readable description for code.
func Describe(code Code) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "Unknown error: " + string(code)
}

// normalizer case-folds and removes accidental full-width characters before
// substring matching, so "ＦＩＬＥ　ＮＯＴ　ＦＯＵＮＤ" style peer responses
// still normalize correctly.
var normalizer = cases.Fold()

// rule is one normalization rule: if any of its substrings appear in the
// case-folded free text, the rule's code applies. Rules are evaluated in
// order; the first match wins.
type rule struct {
	code     Code
	matchers []string
}

// rules is the fixed normalization table. Contract: normalize is total and
// deterministic, and changing this table must preserve existing code
// meanings (only append new matchers/rules, never repurpose a code).
var rules = []rule{
	{FileNotFound, []string{"file not found", "not found", "does not exist"}},
	{UserBlocked, []string{"blocked", "banned", "denied"}},
	{InvalidFile, []string{"corrupt", "invalid", "bad file", "malformed"}},
	{FileTooSmall, []string{"too small", "zero bytes", "empty file"}},
	{Timeout, []string{"timeout", "timed out"}},
	{UserOffline, []string{"offline", "not online"}},
	{TransferFailed, []string{"transfer failed", "transfer error", "aborted"}},
	{QueueTimeout, []string{"queue timeout", "queued too long"}},
	{ConnectionError, []string{"connection", "connect", "network"}},
	{RateLimited, []string{"rate limit", "too many requests", "too many"}},
	{ServiceUnavailable, []string{"slskd", "service unavailable", "unavailable", "503"}},
}

// Normalize maps free-text error messages (as returned by the external
// download client) to a canonical Code. nil/empty input, or text matching no
// rule, normalizes to Unknown. Total and deterministic: the same input
// always normalizes to the same code.
func Normalize(freeText *string) Code {
	if freeText == nil || strings.TrimSpace(*freeText) == "" {
		return Unknown
	}

	folded := normalizer.String(width.Fold.String(*freeText))

	for _, r := range rules {
		for _, m := range r.matchers {
			if strings.Contains(folded, m) {
				return r.code
			}
		}
	}
	return Unknown
}

// NormalizeString is a convenience wrapper for callers holding a plain
// (non-pointer) string, where the empty string means "no message".
func NormalizeString(freeText string) Code {
	if freeText == "" {
		return Normalize(nil)
	}
	return Normalize(&freeText)
}
