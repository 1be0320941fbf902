package pdfops

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned for range tokens that are not integers or integer pairs.
var ErrInvalidRange = errors.New("invalid page range")

// PageRange is a 1-indexed inclusive page interval. Ordinal is the 1-based
// position of the token that produced it within the expression.
type PageRange struct {
	Ordinal int
	Start   int
	End     int
}

// Len is the number of pages in the range.
func (r PageRange) Len() int { return r.End - r.Start + 1 }

// Selection renders the range in the page selection syntax pdfcpu accepts.
func (r PageRange) Selection() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseRanges turns a comma-separated expression such as "2-4,7" into concrete
// ranges over a document of total pages. Range tokens are clamped to the
// document; a range that is empty after clamping and a bare page outside the
// document produce nothing. An empty expression selects every page.
func ParseRanges(expr string, total int) ([]PageRange, error) {
	if total <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(strings.ReplaceAll(expr, ",", "")) == "" {
		return []PageRange{{Ordinal: 1, Start: 1, End: total}}, nil
	}

	var ranges []PageRange
	ordinal := 0
	for _, raw := range strings.Split(expr, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		ordinal++

		if a, b, isRange := strings.Cut(tok, "-"); isRange {
			start, err := parsePage(a)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRange, tok)
			}
			end, err := parsePage(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRange, tok)
			}
			start = clamp(start, 1, total)
			end = clamp(end, start, total)
			if start > end {
				continue
			}
			ranges = append(ranges, PageRange{Ordinal: ordinal, Start: start, End: end})
			continue
		}

		page, err := parsePage(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, tok)
		}
		if page < 1 || page > total {
			continue
		}
		ranges = append(ranges, PageRange{Ordinal: ordinal, Start: page, End: page})
	}
	return ranges, nil
}

func parsePage(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
