package compaction

import "fmt"

// KeyRangeStats holds additive entry/tombstone counters for a key range.
// Adding the stats of two adjacent ranges yields the stats of their union.
type KeyRangeStats struct {
	NumEntries   uint64 `json:"numEntries"`
	NumDeletions uint64 `json:"numDeletions"`
}

// StatsFromTableProperties converts a single SST's table properties into
// range stats.
func StatsFromTableProperties(p TableProperties) KeyRangeStats {
	return KeyRangeStats{NumEntries: p.NumEntries, NumDeletions: p.NumDeletions}
}

// Add accumulates other into s.
func (s *KeyRangeStats) Add(other KeyRangeStats) {
	s.NumEntries += other.NumEntries
	s.NumDeletions += other.NumDeletions
}

// TombstoneRatio returns deletions/entries, or 0 for an empty range.
func (s KeyRangeStats) TombstoneRatio() float64 {
	if s.NumEntries == 0 {
		return 0
	}
	return float64(s.NumDeletions) / float64(s.NumEntries)
}

func (s KeyRangeStats) String() string {
	return fmt.Sprintf("{entries=%d deletions=%d ratio=%.3f}",
		s.NumEntries, s.NumDeletions, s.TombstoneRatio())
}

// RangeStats pairs a key range with its stats. For compound stats the range
// is one SST file's [smallestKey, largestKey] span.
type RangeStats struct {
	Range KeyRange      `json:"range"`
	Stats KeyRangeStats `json:"stats"`
}

// CompoundKeyRangeStats is the per-SST breakdown of a scan window: one
// RangeStats entry per SST file intersecting the window, plus the reduced
// total. Empty when no SST intersects the window.
type CompoundKeyRangeStats struct {
	ranges   []RangeStats
	compound KeyRangeStats
}

// NewCompoundKeyRangeStats reduces a per-SST list into compound stats.
func NewCompoundKeyRangeStats(list []RangeStats) CompoundKeyRangeStats {
	c := CompoundKeyRangeStats{ranges: list}
	for _, rs := range list {
		c.compound.Add(rs.Stats)
	}
	return c
}

// Ranges returns the per-SST breakdown.
func (c CompoundKeyRangeStats) Ranges() []RangeStats {
	return c.ranges
}

// Compound returns the reduced stats over all SSTs.
func (c CompoundKeyRangeStats) Compound() KeyRangeStats {
	return c.compound
}

// NumEntries returns the total entry count over all SSTs.
func (c CompoundKeyRangeStats) NumEntries() uint64 {
	return c.compound.NumEntries
}

// Size returns the number of SSTs in the breakdown.
func (c CompoundKeyRangeStats) Size() int {
	return len(c.ranges)
}

// IsEmpty reports whether no SST intersected the scan window.
func (c CompoundKeyRangeStats) IsEmpty() bool {
	return len(c.ranges) == 0
}
