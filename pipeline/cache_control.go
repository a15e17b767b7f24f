/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// cacheDirectives holds the practically relevant subset of parsed Cache-Control directives.
type cacheDirectives struct {
	noStore              bool
	noCache              bool
	private              bool
	maxAge               *time.Duration
	sMaxAge              *time.Duration
	staleWhileRevalidate *time.Duration
}

func parseCacheControl(header string) cacheDirectives {
	var directives cacheDirectives
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !hasValue {
			switch key {
			case "no-store":
				directives.noStore = true
			case "no-cache":
				directives.noCache = true
			case "private":
				directives.private = true
			}
			continue
		}

		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			continue
		}
		d := time.Duration(seconds) * time.Second
		switch key {
		case "max-age":
			directives.maxAge = &d
		case "s-maxage":
			directives.sMaxAge = &d
		case "stale-while-revalidate":
			directives.staleWhileRevalidate = &d
		}
	}

	return directives
}

// canonicalizeURL produces a normalized form of the URL suitable for use in cache and
// dedupe keys: lowercased scheme and host, default ports dropped, query parameters
// sorted, fragment ignored.
func canonicalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(host)
	sb.WriteString(path)
	if len(u.Query()) != 0 {
		sb.WriteString("?")
		sb.WriteString(u.Query().Encode()) // Encode sorts query parameters by key.
	}
	return sb.String()
}
