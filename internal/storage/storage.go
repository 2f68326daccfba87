// Package storage defines the object store capability behind the object relay
// and the range and conditional-request semantics shared by its adapters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound            = errors.New("object not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// RangeError reports a range that starts at or past the end of the object.
// It matches ErrRangeNotSatisfiable with errors.Is.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for object of %d bytes", e.Size)
}

// Is reports whether target is ErrRangeNotSatisfiable.
func (e *RangeError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// Store looks up objects by key.
//
// Get returns ErrNotFound when the key does not exist and a *RangeError when
// rng cannot be satisfied. When cond fails against the stored object, Get
// returns the object's metadata with a nil Body.
type Store interface {
	Get(ctx context.Context, key string, rng *Range, cond Conditions) (*Object, error)
}

// HTTPMetadata holds the object's stored HTTP representation headers.
type HTTPMetadata struct {
	ContentType        string
	ContentLanguage    string
	ContentDisposition string
	ContentEncoding    string
	CacheControl       string
	Expires            time.Time
}

// Object is the result of a store lookup.
type Object struct {
	Key          string
	Size         int64  // total object size, independent of any range
	ETag         string // unquoted entity tag
	LastModified time.Time
	Metadata     HTTPMetadata

	// Range is the slice of the object carried by Body. Ranged is false when
	// Body holds the whole object.
	Range  ByteRange
	Ranged bool

	// Body is nil when a precondition failed. The caller must close it.
	Body io.ReadCloser
}

// HasBody reports whether the lookup produced content.
func (o *Object) HasBody() bool {
	return o.Body != nil
}

// HTTPETag returns the entity tag in its quoted header form.
func (o *Object) HTTPETag() string {
	return FormatETag(o.ETag)
}

// ContentLength returns the number of bytes carried by Body.
func (o *Object) ContentLength() int64 {
	if o.Ranged {
		return o.Range.Length
	}
	return o.Size
}

// WriteMetadata copies the stored representation headers into h.
func (o *Object) WriteMetadata(h http.Header) {
	m := o.Metadata
	setIfNotEmpty(h, "Content-Type", m.ContentType)
	setIfNotEmpty(h, "Content-Language", m.ContentLanguage)
	setIfNotEmpty(h, "Content-Disposition", m.ContentDisposition)
	setIfNotEmpty(h, "Content-Encoding", m.ContentEncoding)
	setIfNotEmpty(h, "Cache-Control", m.CacheControl)
	if !m.Expires.IsZero() {
		h.Set("Expires", m.Expires.UTC().Format(http.TimeFormat))
	}
	if !o.LastModified.IsZero() {
		h.Set("Last-Modified", o.LastModified.UTC().Format(http.TimeFormat))
	}
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// FormatETag quotes an entity tag unless it is already quoted or weak.
func FormatETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return strconv.Quote(etag)
}

// TrimETag strips the quotes from an entity tag.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
