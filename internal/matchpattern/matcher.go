// Package matchpattern decides whether a declared URL match pattern applies
// to a concrete navigation target.
//
// Recognition runs in five tiers, strictest first: the <all_urls> token,
// scheme/host/path patterns with wildcards, exact URL prefixes, bare
// wildcard substrings, and finally plain substring containment. The
// permissive tail is deliberate; third-party manifests ship malformed
// patterns and a near-miss should scope scripts too narrowly rather than
// fail outright.
package matchpattern

import (
	"net/url"
	"regexp"
	"strings"
)

// AllURLs matches every http and https URL.
const AllURLs = "<all_urls>"

// Matches reports whether any of the patterns applies to rawURL. Matching is
// a logical OR with short-circuit on the first hit. Only http and https
// targets are ever matchable; scripts never run on internal or file URLs no
// matter what the manifest declares.
func Matches(rawURL string, patterns []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	for _, pattern := range patterns {
		if matchOne(u, rawURL, pattern) {
			return true
		}
	}
	return false
}

// MatchesOne reports whether a single pattern applies to rawURL.
func MatchesOne(rawURL, pattern string) bool {
	return Matches(rawURL, []string{pattern})
}

func matchOne(u *url.URL, rawURL, pattern string) bool {
	hasWildcard := strings.Contains(pattern, "*")

	switch {
	case pattern == AllURLs:
		return true

	case strings.Contains(pattern, "://") && hasWildcard:
		return matchStructured(u, pattern)

	case !hasWildcard && (strings.HasPrefix(pattern, "http://") || strings.HasPrefix(pattern, "https://")):
		return strings.HasPrefix(rawURL, pattern)

	case hasWildcard:
		re, err := regexp.Compile(wildcardToRegexp(pattern, false))
		if err != nil {
			return false
		}
		return re.MatchString(rawURL)

	default:
		return strings.Contains(rawURL, pattern)
	}
}

// matchStructured handles the strict match-pattern grammar: the scheme part
// is treated as a wildcard (the http/https gate already ran), the host and
// path parts must both match anchored.
func matchStructured(u *url.URL, pattern string) bool {
	rest := pattern[strings.Index(pattern, "://")+3:]

	hostPattern := rest
	pathPattern := "/*"
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostPattern = rest[:slash]
		pathPattern = rest[slash:]
	}

	hostRe, err := regexp.Compile(wildcardToRegexp(hostPattern, true))
	if err != nil {
		return false
	}
	pathRe, err := regexp.Compile(wildcardToRegexp(pathPattern, true))
	if err != nil {
		return false
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return hostRe.MatchString(u.Hostname()) && pathRe.MatchString(path)
}

// wildcardToRegexp converts a pattern to a regular expression: literal dots
// escaped, * expanded to .*, optionally anchored to the full string.
func wildcardToRegexp(pattern string, anchored bool) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	if anchored {
		return "^" + escaped + "$"
	}
	return escaped
}
