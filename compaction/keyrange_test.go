package compaction

import "testing"

func TestKeyRangeContains(t *testing.T) {
	tests := []struct {
		name     string
		r        KeyRange
		key      string
		expected bool
	}{
		{
			name:     "inside",
			r:        KeyRange{Start: "b", End: "d"},
			key:      "c",
			expected: true,
		},
		{
			name:     "start is inclusive",
			r:        KeyRange{Start: "b", End: "d"},
			key:      "b",
			expected: true,
		},
		{
			name:     "end is exclusive",
			r:        KeyRange{Start: "b", End: "d"},
			key:      "d",
			expected: false,
		},
		{
			name:     "before start",
			r:        KeyRange{Start: "b", End: "d"},
			key:      "a",
			expected: false,
		},
		{
			name:     "unbounded end",
			r:        KeyRange{Start: "b", End: ""},
			key:      "zzz",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Contains(tt.key); got != tt.expected {
				t.Errorf("Contains(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestKeyRangeIntersects(t *testing.T) {
	r := KeyRange{Start: "d", End: "h"}

	tests := []struct {
		name     string
		min, max string
		expected bool
	}{
		{name: "fully inside", min: "e", max: "f", expected: true},
		{name: "straddles start", min: "a", max: "e", expected: true},
		{name: "straddles end", min: "g", max: "z", expected: true},
		{name: "covers range", min: "a", max: "z", expected: true},
		{name: "max touches start", min: "a", max: "d", expected: true},
		{name: "min touches exclusive end", min: "h", max: "z", expected: false},
		{name: "entirely before", min: "a", max: "c", expected: false},
		{name: "entirely after", min: "i", max: "z", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Intersects(tt.min, tt.max); got != tt.expected {
				t.Errorf("Intersects(%q, %q) = %v, want %v", tt.min, tt.max, got, tt.expected)
			}
		})
	}

	unbounded := KeyRange{Start: "d", End: ""}
	if !unbounded.Intersects("zzz", "zzzz") {
		t.Error("unbounded range should intersect everything past its start")
	}
}

func TestKeyPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{prefix: "a", expected: "b"},
		{prefix: "/vol1/bucket1/", expected: "/vol1/bucket10"},
		{prefix: "ab\xff", expected: "ac"},
		{prefix: "a\xff\xff", expected: "b"},
		{prefix: "\xff\xff", expected: ""},
		{prefix: "", expected: ""},
	}

	for _, tt := range tests {
		if got := KeyPrefixUpperBound(tt.prefix); got != tt.expected {
			t.Errorf("KeyPrefixUpperBound(%q) = %q, want %q", tt.prefix, got, tt.expected)
		}
	}
}

func TestKeyPrefixUpperBoundCoversAllPrefixedKeys(t *testing.T) {
	prefix := "/vol1/bucketA/"
	upper := KeyPrefixUpperBound(prefix)
	r := KeyRange{Start: prefix, End: upper}

	for _, key := range []string{prefix, prefix + "a", prefix + "zzz", prefix + "\xff\xff"} {
		if !r.Contains(key) {
			t.Errorf("key %q with prefix %q should fall below upper bound %q", key, prefix, upper)
		}
	}
	if r.Contains("/vol1/bucketB") {
		t.Errorf("key without the prefix should sort at or past the upper bound %q", upper)
	}
}

func TestEndKeyLess(t *testing.T) {
	tests := []struct {
		a, b     string
		expected bool
	}{
		{a: "a", b: "b", expected: true},
		{a: "b", b: "a", expected: false},
		{a: "a", b: "a", expected: false},
		{a: "a", b: "", expected: true},  // anything is below unbounded
		{a: "", b: "a", expected: false}, // unbounded sorts last
		{a: "", b: "", expected: false},
	}

	for _, tt := range tests {
		if got := endKeyLess(tt.a, tt.b); got != tt.expected {
			t.Errorf("endKeyLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
		}
	}
}
