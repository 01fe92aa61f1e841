package compaction

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Compactor decides which contiguous key ranges of one table are worth a
// proactive compaction. One instance drives exactly one table; a pass
// executes single-threaded and resumes from saved cursor state on the next
// invocation.
type Compactor interface {
	// TableName returns the table this compactor is responsible for.
	TableName() string

	// Run executes one pass: collect qualifying ranges and hand each off to
	// the execution layer.
	Run(ctx context.Context)

	// RangesNeedingCompaction returns the bounded list of ranges that
	// qualify in this pass, best first.
	RangesNeedingCompaction(ctx context.Context) []KeyRange

	// CompactRange executes a range compaction synchronously.
	CompactRange(r KeyRange) error
}

// NeedsCompaction reports whether a range with the given stats qualifies:
// its deletion count must reach minTombstones and its tombstone ratio must
// reach ratioThreshold. Monotonic in NumDeletions for fixed NumEntries.
func NeedsCompaction(stats KeyRangeStats, minTombstones uint64, ratioThreshold float64) bool {
	if stats.NumDeletions < minTombstones {
		return false
	}
	return stats.TombstoneRatio() >= ratioThreshold
}

// candidate is one prepared range with its submission priority.
type candidate struct {
	r     KeyRange
	score float64
}

// baseCompactor carries the plumbing shared by the layout strategies.
type baseCompactor struct {
	table   string
	cfg     Config
	meta    MetadataManager
	store   DBStore
	queue   *TaskQueue
	logger  *slog.Logger
	metrics *Metrics

	// statsObserver, when set, sees every per-SST breakdown entry produced
	// by compoundStatsForRange. The FSO strategy uses it to accumulate
	// directory counters.
	statsObserver func(RangeStats)

	// failed holds ranges whose execution failed; they are re-examined at
	// the head of the next pass. Bounded by MaxRetainedFailures.
	failed []KeyRange
}

func (b *baseCompactor) TableName() string {
	return b.table
}

// CompactRange delegates to the storage engine's manual range compaction.
func (b *baseCompactor) CompactRange(r KeyRange) error {
	b.logger.Info("compacting range", "table", b.table, "range", r.String())
	if err := b.store.CompactRange(b.table, r.Start, r.End); err != nil {
		return errors.Wrapf(err, "compact range %s of table %s", r, b.table)
	}
	return nil
}

// runPass collects candidates and hands each off to the execution layer.
// Submission is fire and forget: enqueueing never blocks on, or learns the
// outcome of, the actual compaction.
func (b *baseCompactor) runPass(ctx context.Context, collect func(context.Context) []candidate) {
	start := time.Now()
	cands := collect(ctx)
	for _, c := range cands {
		b.enqueueRange(c.r, c.score)
	}
	b.metrics.observePass(b.table, time.Since(start))
	b.logger.Info("pass complete", "table", b.table, "submitted", len(cands),
		"elapsed", time.Since(start))
}

// enqueueRange submits one range to the execution layer. Without a queue the
// compaction runs inline.
func (b *baseCompactor) enqueueRange(r KeyRange, score float64) {
	b.metrics.rangeSubmitted(b.table)
	if b.queue == nil {
		if err := b.CompactRange(r); err != nil {
			b.logger.Error("range compaction failed", "table", b.table, "range", r.String(), "error", err)
			b.metrics.compactionError(b.table)
			b.noteFailedRange(r)
			return
		}
		b.metrics.compactionDone(b.table)
		return
	}
	if !b.queue.Push(Task{Table: b.table, Range: r, Priority: score}) {
		b.logger.Debug("range already pending, coalesced", "table", b.table, "range", r.String())
	}
}

// noteFailedRange retains a failed range so the next pass re-examines it
// with fresh stats.
func (b *baseCompactor) noteFailedRange(r KeyRange) {
	if len(b.failed) >= b.cfg.MaxRetainedFailures {
		return
	}
	b.failed = append(b.failed, r)
}

// takeFailedRanges returns and clears the retained failures.
func (b *baseCompactor) takeFailedRanges() []KeyRange {
	out := b.failed
	b.failed = nil
	return out
}

// reexamineFailed re-gates previously failed ranges against fresh stats and
// appends the survivors to out. Each consumes one unit of the pass budget;
// the remaining budget is returned.
func (b *baseCompactor) reexamineFailed(out *[]candidate, budget int) int {
	for _, r := range b.takeFailedRanges() {
		if budget <= 0 {
			break
		}
		budget--
		b.metrics.rangeExamined(b.table)
		compound, err := b.compoundStatsForRange(r)
		if err != nil {
			b.logger.Error("failed to refresh stats for retried range", "table", b.table,
				"range", r.String(), "error", err)
			continue
		}
		stats := compound.Compound()
		if NeedsCompaction(stats, b.cfg.MinTombstones, b.cfg.TombstoneRatio) {
			*out = append(*out, candidate{r: r, score: stats.TombstoneRatio()})
		} else {
			b.metrics.rangeSkipped(b.table)
		}
	}
	return budget
}

// compoundStatsForRange builds the per-SST breakdown for a scan window: every
// table-properties entry of the window is matched back to its live file
// metadata to recover the SST's own key span. An entry with no metadata match
// is dropped; the range under-counts but stays usable.
func (b *baseCompactor) compoundStatsForRange(r KeyRange) (CompoundKeyRangeStats, error) {
	live := b.store.LiveFilesMetadata()
	byPath := make(map[string]LiveFileMetadata, len(live))
	byName := make(map[string]LiveFileMetadata, len(live))
	for _, md := range live {
		byPath[md.Path] = md
		byName[md.FileName] = md
	}

	props, err := b.store.PropertiesOfTableInRange(b.table, r)
	if err != nil {
		return CompoundKeyRangeStats{}, errors.Wrapf(err, "table properties for range %s of table %s", r, b.table)
	}

	list := make([]RangeStats, 0, len(props))
	for filePath, p := range props {
		md, ok := byPath[filePath]
		if !ok {
			md, ok = byName[path.Base(filePath)]
		}
		if !ok {
			b.logger.Warn("live file metadata not found, dropping SST from stats",
				"table", b.table, "file", filePath)
			b.metrics.missingMetadata(b.table)
			continue
		}
		rs := RangeStats{
			Range: KeyRange{Start: md.SmallestKey, End: md.LargestKey},
			Stats: StatsFromTableProperties(p),
		}
		list = append(list, rs)
		if b.statsObserver != nil {
			b.statsObserver(rs)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Range.Start < list[j].Range.Start })
	return NewCompoundKeyRangeStats(list), nil
}

// findFitRanges greedily packs consecutive SSTs, in start-key order, while
// the running entry sum stays within the budget. A single SST that alone
// exceeds the budget is skipped and never packed.
func (b *baseCompactor) findFitRanges(ranges []RangeStats, maxEntries uint64) []RangeStats {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Range.Start < ranges[j].Range.Start })

	var out []RangeStats
	var chunk KeyRangeStats

	for _, rs := range ranges {
		n := rs.Stats.NumEntries

		// this single SST already exceeds the budget
		if n > maxEntries {
			b.logger.Warn("single SST exceeds entry budget, ignored",
				"table", b.table, "sst", rs.Range.String(), "entries", n, "maxEntries", maxEntries)
			b.metrics.oversizedSST(b.table)
			continue
		}

		// adding this SST would overflow the budget
		if chunk.NumEntries > 0 && chunk.NumEntries+n > maxEntries {
			b.logger.Info("entry budget reached, fit ranges found",
				"table", b.table, "packed", chunk.String(), "next", n, "maxEntries", maxEntries)
			return out
		}

		out = append(out, rs)
		chunk.Add(rs.Stats)
	}
	return out
}

// squashRanges merges a packed group into one range spanning
// min(starts)..max(ends) with the combined stats.
func squashRanges(list []RangeStats) (RangeStats, error) {
	if len(list) == 0 {
		return RangeStats{}, errors.New("squashRanges: empty range list")
	}
	low, high := list[0].Range.Start, list[0].Range.End
	var stats KeyRangeStats
	for _, rs := range list {
		low = minKey(low, rs.Range.Start)
		high = maxKey(high, rs.Range.End)
		stats.Add(rs.Stats)
	}
	return RangeStats{Range: KeyRange{Start: low, End: high}, Stats: stats}, nil
}

// Builder assembles a layout-appropriate compactor for one table.
type Builder struct {
	table   string
	layout  TableLayout
	hasLay  bool
	cfg     Config
	meta    MetadataManager
	store   DBStore
	queue   *TaskQueue
	logger  *slog.Logger
	metrics *Metrics
}

// NewBuilder creates a Builder seeded with the default config.
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

// WithTable sets the target table. Its layout is looked up in the table
// registry unless WithLayout overrides it.
func (b *Builder) WithTable(table string) *Builder {
	b.table = table
	return b
}

// WithLayout overrides the registry lookup for tables outside the well-known
// set.
func (b *Builder) WithLayout(layout TableLayout) *Builder {
	b.layout = layout
	b.hasLay = true
	return b
}

// WithConfig sets the compactor tuning knobs.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithMetadataManager sets the metadata layer.
func (b *Builder) WithMetadataManager(meta MetadataManager) *Builder {
	b.meta = meta
	return b
}

// WithDBStore sets the storage engine.
func (b *Builder) WithDBStore(store DBStore) *Builder {
	b.store = store
	return b
}

// WithQueue sets the execution hand-off queue. Without one, Run compacts
// inline.
func (b *Builder) WithQueue(q *TaskQueue) *Builder {
	b.queue = q
	return b
}

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics sets the metric set. Optional.
func (b *Builder) WithMetrics(m *Metrics) *Builder {
	b.metrics = m
	return b
}

// Build validates the configuration and constructs the strategy matching the
// table's layout. Invalid configuration is rejected here, not at first use.
func (b *Builder) Build() (Compactor, error) {
	if b.table == "" {
		return nil, errors.New("compactor builder: table must be set")
	}
	if b.meta == nil || b.store == nil {
		return nil, errors.New("compactor builder: metadata manager and db store must be set")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	layout := b.layout
	if !b.hasLay {
		var ok bool
		layout, ok = TableLayoutForTable(b.table)
		if !ok {
			return nil, errors.Errorf("no layout mapping for table %q", b.table)
		}
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	base := baseCompactor{
		table:   b.table,
		cfg:     b.cfg,
		meta:    b.meta,
		store:   b.store,
		queue:   b.queue,
		logger:  logger,
		metrics: b.metrics,
	}
	switch layout {
	case LayoutOBS:
		return newOBSTableCompactor(base), nil
	case LayoutFSO:
		return newFSOTableCompactor(base), nil
	default:
		return nil, errors.Errorf("unsupported table layout: %s", layout)
	}
}
