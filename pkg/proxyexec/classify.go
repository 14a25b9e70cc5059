package proxyexec

import (
	"strings"
	"time"
)

// Outcome is the classification result for an upstream attempt.
type Outcome int

const (
	// OutcomeSuccess: pass the response through the Normalizer.
	OutcomeSuccess Outcome = iota
	// OutcomeDisableAndRetry: 401/403 permanent-invalid — disable the key,
	// retry the same ticket on another.
	OutcomeDisableAndRetry
	// OutcomeRateLimitedRetry: 429 non-quota / 5xx / socket error — mark the
	// key rate-limited, reenqueue with retry-count+1 (if headers not sent).
	OutcomeRateLimitedRetry
	// OutcomeQuotaExhausted: 429 quota/billing — terminal, key_exhausted.
	OutcomeQuotaExhausted
	// OutcomeTerminal: other 4xx — terminal, forward upstream body.
	OutcomeTerminal
)

// permanentInvalidMarkers are substrings seen in 401/403 bodies that
// indicate the credential itself is bad (versus a transient auth hiccup).
var permanentInvalidMarkers = []string{
	"invalid_api_key",
	"invalid api key",
	"incorrect api key",
	"account deactivated",
	"access_denied",
	"invalid_request_error",
	"permission_denied",
}

// quotaMarkers are substrings seen in 429 bodies that indicate a billing or
// quota failure rather than a transient rate limit.
var quotaMarkers = []string{
	"quota",
	"billing",
	"insufficient_quota",
	"exceeded your current quota",
	"hard limit",
}

// Classify inspects the upstream status code and body to decide what to do
// next. retryAfter is parsed from the upstream Retry-After header, zero if
// absent or unparsable.
func Classify(status int, body []byte, retryAfter time.Duration) Outcome {
	if status >= 200 && status < 300 {
		return OutcomeSuccess
	}

	lower := strings.ToLower(string(body))

	switch {
	case status == 401 || status == 403:
		if containsAny(lower, permanentInvalidMarkers) || status == 401 {
			return OutcomeDisableAndRetry
		}
		return OutcomeTerminal
	case status == 429:
		if containsAny(lower, quotaMarkers) {
			return OutcomeQuotaExhausted
		}
		return OutcomeRateLimitedRetry
	case status >= 500:
		return OutcomeRateLimitedRetry
	default:
		return OutcomeTerminal
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ClassifyTransportError handles a socket-level failure (no HTTP response
// at all): always treated as retryable, same as a 5xx.
func ClassifyTransportError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeRateLimitedRetry
}
