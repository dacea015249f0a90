package taskerr

import "strings"

// retryableCodes are retried without further inspection.
var retryableCodes = map[Code]bool{
	CodeTimeout:   true,
	CodeProcess:   true,
	CodeNetwork:   true,
	CodeRateLimit: true,
}

// retryablePatterns match transient infrastructure failures in error text.
var retryablePatterns = []string{
	"timeout",
	"connection refused",
	"network",
	"rate limit",
	"too many requests",
	"temporary failure",
	"try again",
	"econnrefused",
	"econnreset",
	"socket hang up",
	"fetch failed",
	"unable to connect",
}

// fatalPatterns override any retryable classification. Authentication
// failures and missing binaries abort the chain.
var fatalPatterns = []string{
	"not authenticated",
	"authentication failed",
	"invalid token",
	"invalid api key",
	"unauthorized",
	"401",
	"403",
	"command not found",
	"not installed",
	"not recognized",
}

// connectionPatterns identify the subset of failures the circuit breaker
// counts toward opening.
var connectionPatterns = []string{
	"connection refused",
	"econnrefused",
	"econnreset",
	"socket hang up",
	"network",
	"fetch failed",
	"unable to connect",
	"temporary failure",
}

func textMatchesAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func fullText(err *Error) string {
	if err == nil {
		return ""
	}
	text := err.Message
	if err.cause != nil && err.cause.Error() != err.Message {
		text += " " + err.cause.Error()
	}
	return strings.ToLower(text)
}

// IsFatal reports whether err matches the fatal pattern set. Fatal errors
// are never retried regardless of code.
func IsFatal(err error) bool {
	e := Normalize(err)
	if e == nil {
		return false
	}
	if e.Code == CodeAuth {
		return true
	}
	return textMatchesAny(fullText(e), fatalPatterns)
}

// Retryable reports whether err should be retried. Fatal patterns override;
// otherwise an error is retryable when its code is in the retryable set or
// its text matches a transient pattern.
func Retryable(err error) bool {
	e := Normalize(err)
	if e == nil {
		return false
	}
	if IsFatal(e) {
		return false
	}
	if retryableCodes[e.Code] {
		return true
	}
	return textMatchesAny(fullText(e), retryablePatterns)
}

// IsConnection reports whether err is a network/connection failure. Only
// these failures advance the circuit breaker.
func IsConnection(err error) bool {
	e := Normalize(err)
	if e == nil {
		return false
	}
	if e.Code == CodeNetwork {
		return true
	}
	return textMatchesAny(fullText(e), connectionPatterns)
}

// IsRateLimit reports whether err is an explicit rate-limit failure, which
// retries with a longer backoff.
func IsRateLimit(err error) bool {
	e := Normalize(err)
	if e == nil {
		return false
	}
	if e.Code == CodeRateLimit {
		return true
	}
	text := fullText(e)
	return strings.Contains(text, "rate limit") || strings.Contains(text, "too many requests")
}
