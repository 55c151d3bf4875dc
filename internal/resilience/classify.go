package resilience

import (
	"regexp"
	"strconv"
	"strings"
)

// Class says whether a failed provider call is worth repeating.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

var permanentMarkers = []string{
	"missing credentials",
	"unauthorized",
	"forbidden",
	"authentication",
	"invalid api key",
	"invalid_api_key",
	"permission denied",
	"bad request",
	"invalid request",
	"invalid_request",
	"malformed",
	"not found",
	"unsupported model",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"rate_limit",
	"too many requests",
	"unavailable",
	"overloaded",
	"connection reset",
	"connection refused",
	"temporarily",
}

// httpStatus finds the "http NNN" prefix adapters put on API errors.
var httpStatus = regexp.MustCompile(`\bhttp (\d{3})\b`)

// Classify inspects an adapter error message. Adapters only report text,
// so classification is by status code when one is present and by marker
// otherwise. Anything unrecognised counts as transient and gets the
// bounded retry.
func Classify(errText string) Class {
	s := strings.ToLower(errText)
	if m := httpStatus.FindStringSubmatch(s); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 408 || code == 429 || code >= 500:
			return Transient
		case code >= 400:
			return Permanent
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(s, m) {
			return Transient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(s, m) {
			return Permanent
		}
	}
	return Transient
}
