package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a single byte range taken from a Range request header.
//
// End is inclusive, or -1 for an open-ended range. A non-zero Suffix selects
// the last Suffix bytes and Start/End are ignored.
type Range struct {
	Start  int64
	End    int64
	Suffix int64
}

// ByteRange is a range resolved against a concrete object size.
type ByteRange struct {
	Offset int64
	Length int64
}

// Last returns the inclusive index of the final byte.
func (b ByteRange) Last() int64 {
	return b.Offset + b.Length - 1
}

// ContentRange formats b as a Content-Range header value.
func (b ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Offset, b.Last(), total)
}

// ParseRange parses a Range header of the form bytes=start-end, bytes=start-
// or bytes=-suffix. It returns nil for an absent, malformed or multi-range
// header; the relay then serves the whole object.
func ParseRange(header string) *Range {
	header = strings.TrimSpace(header)
	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		return nil
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		return &Range{Suffix: n}
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	if last == "" {
		return &Range{Start: start, End: -1}
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &Range{Start: start, End: end}
}

// String formats r back into a Range header value.
func (r *Range) String() string {
	switch {
	case r.Suffix > 0:
		return fmt.Sprintf("bytes=-%d", r.Suffix)
	case r.End < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	}
}

// Resolve clamps r to an object of the given size. An end past the last byte
// is clamped to size-1; a start at or past size, or any range over an empty
// object, yields a *RangeError.
func (r *Range) Resolve(size int64) (ByteRange, error) {
	if size <= 0 {
		return ByteRange{}, &RangeError{Size: size}
	}

	if r.Suffix > 0 {
		n := min(r.Suffix, size)
		return ByteRange{Offset: size - n, Length: n}, nil
	}

	if r.Start >= size {
		return ByteRange{}, &RangeError{Size: size}
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return ByteRange{Offset: r.Start, Length: end - r.Start + 1}, nil
}

// ParseContentRange parses a "bytes start-end/total" Content-Range value.
func ParseContentRange(v string) (ByteRange, int64, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: unsupported unit", v)
	}
	span, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: missing total", v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: malformed span", v)
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: %w", v, err)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: malformed end", v)
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return ByteRange{}, 0, fmt.Errorf("content-range %q: %w", v, err)
	}

	return ByteRange{Offset: start, Length: end - start + 1}, total, nil
}
