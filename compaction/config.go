package compaction

import (
	"encoding/json"
	"fmt"
)

// TableLayout identifies how a metadata table keys its entries.
type TableLayout int

const (
	// LayoutOBS is the flat, bucket-keyed layout (Object Bucket Store).
	LayoutOBS TableLayout = iota
	// LayoutFSO is the hierarchical, directory-keyed layout
	// (File System Optimized).
	LayoutFSO
)

// String returns the string representation of TableLayout
func (l TableLayout) String() string {
	switch l {
	case LayoutOBS:
		return "obs"
	case LayoutFSO:
		return "fso"
	default:
		return "unknown"
	}
}

// ParseTableLayout parses a string into TableLayout
func ParseTableLayout(s string) (TableLayout, error) {
	switch s {
	case "obs":
		return LayoutOBS, nil
	case "fso":
		return LayoutFSO, nil
	default:
		return LayoutOBS, fmt.Errorf("invalid table layout: %s (must be 'obs' or 'fso')", s)
	}
}

// MarshalJSON implements json.Marshaler for TableLayout
func (l TableLayout) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler for TableLayout
func (l *TableLayout) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTableLayout(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// tableLayouts maps the well-known metadata table names to their layout.
var tableLayouts = map[string]TableLayout{
	"keyTable":              LayoutOBS,
	"deletedTable":          LayoutOBS,
	"fileTable":             LayoutFSO,
	"directoryTable":        LayoutFSO,
	"deletedDirectoryTable": LayoutFSO,
}

// TableLayoutForTable returns the layout registered for a metadata table.
func TableLayoutForTable(table string) (TableLayout, bool) {
	l, ok := tableLayouts[table]
	return l, ok
}

// Config holds the per-compactor tuning knobs.
type Config struct {
	// Qualification thresholds
	MinTombstones  uint64  `json:"minTombstones"`  // Minimum deletion count for a range to qualify
	TombstoneRatio float64 `json:"tombstoneRatio"` // Minimum deletions/entries ratio, in [0, 1]

	// Cost bounds
	MaxCompactionEntries uint64 `json:"maxCompactionEntries"` // Entry budget per compaction unit
	RangesPerRun         int    `json:"rangesPerRun"`         // Candidates examined per pass

	// FSO directory cache / prioritization
	DirectoryCacheLimit int     `json:"directoryCacheLimit"` // Max cached directories per pass
	MaxDirectoryDepth   int     `json:"maxDirectoryDepth"`   // Depth cap when walking parent links
	DepthWeight         float64 `json:"depthWeight"`         // Per-level decay of the priority score, in (0, 1]

	// Failure feedback
	MaxRetainedFailures int `json:"maxRetainedFailures"` // Failed ranges re-examined at the next pass
}

// DefaultConfig returns conservative defaults: a range must carry at least
// 1000 tombstones and a 30% tombstone ratio before it is worth a proactive
// compaction, and a single compaction unit never spans more than 1M entries.
func DefaultConfig() Config {
	return Config{
		MinTombstones:        1000,
		TombstoneRatio:       0.3,
		MaxCompactionEntries: 1_000_000,
		RangesPerRun:         10,
		DirectoryCacheLimit:  1000,
		MaxDirectoryDepth:    10,
		DepthWeight:          0.8,
		MaxRetainedFailures:  32,
	}
}

// Validate checks if configuration values are reasonable
func (c *Config) Validate() error {
	if c.TombstoneRatio < 0 || c.TombstoneRatio > 1 {
		return errInvalidConfig("tombstoneRatio must be in [0, 1]")
	}
	if c.MaxCompactionEntries == 0 {
		return errInvalidConfig("maxCompactionEntries must be > 0")
	}
	if c.RangesPerRun < 1 {
		return errInvalidConfig("rangesPerRun must be >= 1")
	}
	if c.DirectoryCacheLimit < 1 {
		return errInvalidConfig("directoryCacheLimit must be >= 1")
	}
	if c.MaxDirectoryDepth < 1 {
		return errInvalidConfig("maxDirectoryDepth must be >= 1")
	}
	if c.DepthWeight <= 0 || c.DepthWeight > 1 {
		return errInvalidConfig("depthWeight must be in (0, 1]")
	}
	if c.MaxRetainedFailures < 0 {
		return errInvalidConfig("maxRetainedFailures must be >= 0")
	}
	return nil
}
