// Package digest implements the client side of HTTP Digest authentication
// (RFC 7616, qop=auth only) as required by the SMS gateway.
package digest

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnexpectedChallengeStatus is returned when the challenge probe does not
// answer with 401 Unauthorized.
var ErrUnexpectedChallengeStatus = errors.New("unexpected challenge status")

// ErrMissingChallengeHeader is returned when a 401 response carries no
// WWW-Authenticate header.
var ErrMissingChallengeHeader = errors.New("missing WWW-Authenticate challenge header")

// DefaultAlgorithm is used when the challenge does not name an algorithm.
const DefaultAlgorithm = "md5"

// Challenge holds the parameters of a single server challenge.
// It is scoped to one authentication cycle and never reused.
type Challenge struct {
	Realm     string
	Nonce     string
	QOP       string
	Algorithm string // lower-cased hash selector, "md5" when absent
}

// schemePrefix matches the leading "Digest" auth-scheme token.
var schemePrefix = regexp.MustCompile(`(?i)^\s*digest\s*`)

// ParseChallenge parses a WWW-Authenticate header value.
//
// Missing realm, nonce or qop yield empty fields rather than an error;
// ComputeDigest rejects such a challenge.
func ParseChallenge(header string) Challenge {
	params := ParseParams(schemePrefix.ReplaceAllString(header, ""))

	algorithm := DefaultAlgorithm
	if a, ok := params["algorithm"]; ok && a != "" {
		algorithm = a
	}

	return Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		QOP:       params["qop"],
		Algorithm: strings.ToLower(algorithm),
	}
}

// ParseParams parses comma separated key="value" pairs.
//
// Quoted values are scanned as a whole, so commas inside them are part of
// the value, and \" unescapes to a literal quote. Bare token values
// (algorithm=MD5) are accepted as well. Duplicate keys keep the last value.
//
//	name="Seto Kaiba", city="Domino City, Japan", title="former \"king of games\""
func ParseParams(text string) map[string]string {
	params := make(map[string]string)

	i := 0
	for i < len(text) {
		if !isTokenChar(text[i]) {
			i++
			continue
		}

		start := i
		for i < len(text) && isTokenChar(text[i]) {
			i++
		}
		key := text[start:i]

		if i >= len(text) || text[i] != '=' {
			continue
		}
		i++

		if i < len(text) && text[i] == '"' {
			value, next, closed := scanQuoted(text, i+1)
			i = next
			if closed {
				params[key] = value
			}
			continue
		}

		start = i
		for i < len(text) && text[i] != ',' && text[i] != ' ' && text[i] != '\t' {
			i++
		}
		if i > start {
			params[key] = text[start:i]
		}
	}

	return params
}

// scanQuoted reads a quoted value starting right after the opening quote.
// It returns the unescaped value, the index after the closing quote, and
// whether a closing quote was found at all.
func scanQuoted(text string, i int) (string, int, bool) {
	var b strings.Builder
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\\' && i+1 < len(text):
			if text[i+1] == '"' {
				b.WriteByte('"')
			} else {
				b.WriteByte(c)
				b.WriteByte(text[i+1])
			}
			i += 2
		case c == '"':
			return b.String(), i + 1, true
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, false
}

func isTokenChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
