package compaction

import "fmt"

// KeyRange is an immutable half-open [Start, End) key interval. Keys are byte
// strings compared lexicographically. An empty End means the range is
// unbounded on the right.
type KeyRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// NewKeyRange creates a KeyRange. Start must not sort after End.
func NewKeyRange(start, end string) KeyRange {
	return KeyRange{Start: start, End: end}
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// Intersects reports whether [min, max] (both inclusive, as recorded in SST
// file metadata) overlaps the range.
func (r KeyRange) Intersects(min, max string) bool {
	return max >= r.Start && (r.End == "" || min < r.End)
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

// KeyPrefixUpperBound returns the smallest key strictly greater than every
// key that has prefix as a prefix: the shortest successor obtained by
// incrementing the last byte that can be incremented and truncating the rest.
// Returns "" (unbounded) when no such key exists (all bytes are 0xff).
func KeyPrefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// endKeyLess compares two exclusive end keys, where the empty string means
// unbounded and therefore sorts after everything.
func endKeyLess(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}

func minKey(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxKey(a, b string) string {
	if a > b {
		return a
	}
	return b
}
