package payback

import (
	"fmt"
	"regexp"
	"strconv"
)

// UnprocessableResponseCode marks partner answers whose body could not be parsed.
const UnprocessableResponseCode = "UNPROCESSABLE_RESPONSE_CODE"

// AuthenticationFailedErrorCode is the partner error for an unknown or
// blocked payback number.
const AuthenticationFailedErrorCode = "MEMBER_AUTHENTICATION_FAILED"

// AuthenticationFailureResponseCode is recorded when a transaction is failed
// without calling the partner because the customer's number is known bad.
var AuthenticationFailureResponseCode = FormatResponseCode(401, AuthenticationFailedErrorCode)

var responseCodePattern = regexp.MustCompile(`^(\d{3})\[(.*)\]$`)

// retryable partner answers
var (
	retryableHTTPCodes = map[int]bool{
		408: true,
		429: true,
		500: true,
		502: true,
		503: true,
		504: true,
	}
	retryableErrorCodes = map[string]bool{
		"TIMEOUT":             true,
		"NETWORK_ERROR":       true,
		"CIRCUIT_OPEN":        true,
		"SERVICE_UNAVAILABLE": true,
		"INTERNAL_ERROR":      true,
	}
)

// FormatResponseCode renders the two-part code HTTP_CODE[ERROR_CODE].
func FormatResponseCode(httpCode int, errorCode string) string {
	return fmt.Sprintf("%d[%s]", httpCode, errorCode)
}

// ParseResponseCode splits a two-part response code.
func ParseResponseCode(code string) (httpCode int, errorCode string, ok bool) {
	m := responseCodePattern.FindStringSubmatch(code)
	if m == nil {
		return 0, "", false
	}
	httpCode, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return httpCode, m[2], true
}

// IsRetryableResponseCode reports whether a failed transaction carrying code
// may be rescheduled. Authentication failures need a forced retry.
func IsRetryableResponseCode(code string, forced bool) bool {
	if code == UnprocessableResponseCode {
		return true
	}
	httpCode, errorCode, ok := ParseResponseCode(code)
	if !ok {
		return false
	}
	if errorCode == AuthenticationFailedErrorCode {
		return forced
	}
	return retryableHTTPCodes[httpCode] || retryableErrorCodes[errorCode]
}
