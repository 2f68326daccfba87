package storage

import (
	"net/http"
	"strings"
	"time"
)

// Conditions holds the conditional request headers evaluated by a store.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// ConditionsFromHeader extracts conditional headers from a request.
// Unparseable dates are ignored, as RFC 9110 requires.
func ConditionsFromHeader(h http.Header) Conditions {
	c := Conditions{
		IfMatch:     strings.TrimSpace(h.Get("If-Match")),
		IfNoneMatch: strings.TrimSpace(h.Get("If-None-Match")),
	}
	if t, err := http.ParseTime(h.Get("If-Modified-Since")); err == nil {
		c.IfModifiedSince = t
	}
	if t, err := http.ParseTime(h.Get("If-Unmodified-Since")); err == nil {
		c.IfUnmodifiedSince = t
	}
	return c
}

// IsZero reports whether no condition is set.
func (c Conditions) IsZero() bool {
	return c.IfMatch == "" && c.IfNoneMatch == "" &&
		c.IfModifiedSince.IsZero() && c.IfUnmodifiedSince.IsZero()
}

// Evaluate reports whether a GET for an object with the given entity tag and
// modification time should return content. Precedence follows RFC 9110
// section 13.2.2: If-Match, If-Unmodified-Since, If-None-Match,
// If-Modified-Since. Date comparisons use whole seconds.
func (c Conditions) Evaluate(etag string, lastModified time.Time) bool {
	modified := lastModified.Truncate(time.Second)

	if c.IfMatch != "" {
		if !matchETag(c.IfMatch, etag, false) {
			return false
		}
	} else if !c.IfUnmodifiedSince.IsZero() && !lastModified.IsZero() {
		if modified.After(c.IfUnmodifiedSince) {
			return false
		}
	}

	if c.IfNoneMatch != "" {
		if matchETag(c.IfNoneMatch, etag, true) {
			return false
		}
	} else if !c.IfModifiedSince.IsZero() && !lastModified.IsZero() {
		if !modified.After(c.IfModifiedSince) {
			return false
		}
	}

	return true
}

// matchETag reports whether etag appears in the comma-separated list. Weak
// comparison ignores the W/ prefix; strong comparison never matches a weak tag.
func matchETag(list, etag string, weak bool) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		if strings.HasPrefix(candidate, "W/") {
			if !weak {
				continue
			}
			candidate = strings.TrimPrefix(candidate, "W/")
		}
		if TrimETag(candidate) == TrimETag(etag) {
			return true
		}
	}
	return false
}
