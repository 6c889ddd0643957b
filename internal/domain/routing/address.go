// Package routing maps gateway ports to PBX extensions and normalizes the
// telephony addresses that flow between them.
package routing

import (
	"regexp"
	"strings"
)

// numberPattern captures the dialable part of an address, keeping an
// optional leading plus sign.
var numberPattern = regexp.MustCompile(`\+?\d+`)

// schemePattern matches the URI schemes seen on SIP and PJSIP addresses.
var schemePattern = regexp.MustCompile(`(?i)^(sips?|tel|pjsip):`)

// domainPattern captures the host part after the user-info separator.
var domainPattern = regexp.MustCompile(`@([^:;>\s]+)`)

// NormalizeAddress extracts the bare number or extension id from a raw
// address such as `"Bob" <sip:16315554444@10.0.15.36:5060>`.
// It returns "" when no digits can be found.
//
//	<sip:16315554444@10.0.15.36:5060> -> 16315554444
//	+16315554444                      -> +16315554444
//	pjsip:201                         -> 201
func NormalizeAddress(raw string) string {
	return numberPattern.FindString(userPart(raw))
}

// HasDomain reports whether raw already carries an @domain component after
// its scheme prefix.
func HasDomain(raw string) bool {
	_, ok := ExtractDomain(raw)
	return ok
}

// ExtractDomain returns the host of a raw address, without port or
// parameters.
func ExtractDomain(raw string) (string, bool) {
	m := domainPattern.FindStringSubmatch(stripScheme(stripDisplayName(raw)))
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// SenderAddress formats the SIP From address for a number and domain.
func SenderAddress(number, domain string) string {
	return "sip:" + number + "@" + domain
}

// DeliveryAddress formats the PJSIP endpoint address of an extension.
func DeliveryAddress(extension string) string {
	return "pjsip:" + extension
}

func userPart(raw string) string {
	s := stripScheme(stripDisplayName(raw))
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}

// stripDisplayName reduces `"Name" <uri>` to `uri`.
func stripDisplayName(raw string) string {
	s := strings.TrimSpace(raw)
	if open := strings.IndexByte(s, '<'); open >= 0 {
		s = s[open+1:]
		if end := strings.IndexByte(s, '>'); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

func stripScheme(s string) string {
	return schemePattern.ReplaceAllString(s, "")
}
