package compaction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const keySeparator = "/"

// fsoCursor is the pagination state of an FSO pass. Traversal is keyed by
// (volume, bucket, parent) rather than bucket boundaries; ResumeKey holds a
// mid-parent split point when an oversized parent is worked through in
// slices.
type fsoCursor struct {
	HasBucket bool   `json:"hasBucket"`
	HasParent bool   `json:"hasParent"`
	VolumeID  int64  `json:"volumeId"`
	BucketID  int64  `json:"bucketId"`
	ParentID  int64  `json:"parentId"`
	BucketKey string `json:"bucketKey"`
	ResumeKey string `json:"resumeKey"`
}

// directoryMetadata is one cached directory of the hierarchy. Entry and
// tombstone counters accumulate during a pass as SST stats are observed.
type directoryMetadata struct {
	objectID       int64
	parentID       int64
	depth          int
	path           string
	entryCount     uint64
	tombstoneCount uint64
}

// priority is the directory's compaction priority score: its tombstone ratio
// decayed by depthWeight^depth, biasing toward shallow directories since they
// are hit more often by listing operations.
func (d *directoryMetadata) priority(depthWeight float64) float64 {
	if d.entryCount == 0 {
		return 0
	}
	ratio := float64(d.tombstoneCount) / float64(d.entryCount)
	return ratio * math.Pow(depthWeight, float64(d.depth))
}

// directoryCache is the bounded, per-pass snapshot of directory metadata. It
// only affects prioritization, never correctness, so a partial view of a
// large tree is acceptable.
type directoryCache struct {
	byID  map[int64]*directoryMetadata
	limit int
}

func newDirectoryCache(limit int) *directoryCache {
	return &directoryCache{byID: make(map[int64]*directoryMetadata), limit: limit}
}

func (dc *directoryCache) reset() {
	dc.byID = make(map[int64]*directoryMetadata)
}

func (dc *directoryCache) get(objectID int64) *directoryMetadata {
	return dc.byID[objectID]
}

func (dc *directoryCache) put(d *directoryMetadata) bool {
	if len(dc.byID) >= dc.limit {
		return false
	}
	dc.byID[d.objectID] = d
	return true
}

func (dc *directoryCache) len() int {
	return len(dc.byID)
}

// depthOf computes a directory's depth by walking parent links through the
// cache, capped at maxDepth. A directory whose parent is outside the cache
// (typically the bucket itself) has depth 0.
func (dc *directoryCache) depthOf(parentID int64, maxDepth int) int {
	depth := 0
	for depth < maxDepth {
		parent, ok := dc.byID[parentID]
		if !ok {
			break
		}
		parentID = parent.parentID
		depth++
	}
	return depth
}

// FSOTableCompactor schedules range compactions for hierarchical,
// directory-keyed tables. Candidate ranges are keyed by (volume, bucket,
// parent); oversized ranges are split along directory boundaries first so a
// split never straddles one directory's entries across two compaction units,
// falling back to SST-boundary packing. Qualified candidates are submitted
// shallow-first via the depth-weighted priority score.
type FSOTableCompactor struct {
	baseCompactor
	cursor   fsoCursor
	dirCache *directoryCache

	// parents holds the remaining parent object IDs of the current bucket,
	// ascending. Rebuilt from the directory table when the cursor moves to a
	// bucket (or after a restart restores the cursor).
	parents []int64
}

func newFSOTableCompactor(base baseCompactor) *FSOTableCompactor {
	c := &FSOTableCompactor{
		baseCompactor: base,
		dirCache:      newDirectoryCache(base.cfg.DirectoryCacheLimit),
	}
	c.statsObserver = c.observeRangeStats
	return c
}

// Run executes one pass.
func (c *FSOTableCompactor) Run(ctx context.Context) {
	c.runPass(ctx, c.collectCandidates)
}

// RangesNeedingCompaction returns the qualifying ranges of one pass, in
// descending priority order.
func (c *FSOTableCompactor) RangesNeedingCompaction(ctx context.Context) []KeyRange {
	cands := c.collectCandidates(ctx)
	out := make([]KeyRange, 0, len(cands))
	for _, cand := range cands {
		out = append(out, cand.r)
	}
	return out
}

func (c *FSOTableCompactor) collectCandidates(ctx context.Context) []candidate {
	c.buildDirectoryCache()

	var out []candidate
	budget := c.reexamineFailed(&out, c.cfg.RangesPerRun)
	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			break
		}
		rs, done, err := c.prepareNextRange()
		if err != nil {
			c.logger.Error("failed to prepare range", "table", c.table, "error", err)
			continue
		}
		if done {
			c.logger.Info("parent scan exhausted, wrapping on next pass", "table", c.table)
			break
		}
		if rs == nil {
			continue
		}
		c.metrics.rangeExamined(c.table)
		if NeedsCompaction(rs.Stats, c.cfg.MinTombstones, c.cfg.TombstoneRatio) {
			out = append(out, candidate{r: rs.Range, score: c.candidateScore(*rs)})
		} else {
			c.logger.Debug("range does not need compaction",
				"table", c.table, "range", rs.Range.String(), "stats", rs.Stats.String())
			c.metrics.rangeSkipped(c.table)
		}
	}

	// Explicit ranking: shallow, tombstone-heavy directories first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// buildDirectoryCache rebuilds the bounded directory snapshot from the
// directory table. Rebuilt at the start of every pass, discarded at pass end.
func (c *FSOTableCompactor) buildDirectoryCache() {
	c.dirCache.reset()
	it := c.meta.DirectoryIterator("")
	for c.dirCache.len() < c.cfg.DirectoryCacheLimit {
		d, ok := it.Next()
		if !ok {
			break
		}
		depth := c.dirCache.depthOf(d.ParentID, c.cfg.MaxDirectoryDepth)
		c.dirCache.put(&directoryMetadata{
			objectID: d.ObjectID,
			parentID: d.ParentID,
			depth:    depth,
			path:     d.Key,
		})
	}
	c.logger.Debug("built directory cache", "table", c.table, "entries", c.dirCache.len())
}

// observeRangeStats feeds one SST's stats into the directory cache so the
// priority scores reflect what the pass actually scanned.
func (c *FSOTableCompactor) observeRangeStats(rs RangeStats) {
	_, _, parentID, ok := parseFSOKey(rs.Range.Start)
	if !ok {
		return
	}
	if dm := c.dirCache.get(parentID); dm != nil {
		dm.entryCount += rs.Stats.NumEntries
		dm.tombstoneCount += rs.Stats.NumDeletions
	}
}

// candidateScore ranks a qualifying candidate. The leading directory's
// depth-weighted score wins when the cache knows it; otherwise the plain
// tombstone ratio of the range is used.
func (c *FSOTableCompactor) candidateScore(rs RangeStats) float64 {
	if _, _, parentID, ok := parseFSOKey(rs.Range.Start); ok {
		if dm := c.dirCache.get(parentID); dm != nil {
			if p := dm.priority(c.cfg.DepthWeight); p > 0 {
				return p
			}
		}
	}
	return rs.Stats.TombstoneRatio()
}

// prepareNextRange produces the next candidate, resuming from a mid-parent
// split point when one is saved.
func (c *FSOTableCompactor) prepareNextRange() (*RangeStats, bool, error) {
	var cur KeyRange
	if c.cursor.ResumeKey != "" {
		cur = KeyRange{Start: c.cursor.ResumeKey, End: c.nextParentBoundary(c.cursor.ResumeKey)}
		c.cursor.ResumeKey = ""
	} else {
		r, ok := c.nextParentRange()
		if !ok {
			return nil, true, nil
		}
		cur = r
	}
	rs, err := c.processRange(cur)
	return rs, false, err
}

// nextParentRange walks the real parent index: the ordered parent object IDs
// of the current bucket, then the next bucket once exhausted.
func (c *FSOTableCompactor) nextParentRange() (KeyRange, bool) {
	for {
		if !c.cursor.HasBucket {
			if !c.advanceBucket() {
				return KeyRange{}, false
			}
		}
		if c.parents == nil {
			// Cursor restored from a previous incarnation; rebuild the
			// bucket's parent list.
			c.parents = c.parentIDsForBucket(c.cursor.VolumeID, c.cursor.BucketID)
		}
		for _, p := range c.parents {
			if c.cursor.HasParent && p <= c.cursor.ParentID {
				continue
			}
			c.cursor.HasParent = true
			c.cursor.ParentID = p
			prefix := fsoParentPrefix(c.cursor.VolumeID, c.cursor.BucketID, p)
			return KeyRange{Start: prefix, End: KeyPrefixUpperBound(prefix)}, true
		}
		// Bucket exhausted, move on.
		c.cursor.HasBucket = false
		c.cursor.HasParent = false
		c.parents = nil
	}
}

// advanceBucket positions the cursor on the next bucket and loads its parent
// list. Exhaustion resets the cursor so the next pass wraps to the first
// bucket.
func (c *FSOTableCompactor) advanceBucket() bool {
	seek := ""
	if c.cursor.BucketKey != "" {
		seek = KeyPrefixUpperBound(c.cursor.BucketKey)
	}
	it := c.meta.BucketIterator(seek)
	b, ok := it.Next()
	if !ok {
		c.cursor = fsoCursor{}
		c.parents = nil
		return false
	}
	c.cursor = fsoCursor{
		HasBucket: true,
		VolumeID:  b.VolumeID,
		BucketID:  b.ObjectID,
		BucketKey: b.Key,
	}
	c.parents = c.parentIDsForBucket(b.VolumeID, b.ObjectID)
	c.logger.Debug("advanced to bucket", "table", c.table,
		"bucket", b.Key, "parents", len(c.parents))
	return true
}

// parentIDsForBucket lists the parent object IDs under which the bucket's
// entries are keyed: the bucket itself (for entries at the bucket root) plus
// every directory of the bucket, discovered from the directory table. The
// walk is capped at the directory cache limit; a truncated list only defers
// deep parents to later passes.
func (c *FSOTableCompactor) parentIDsForBucket(volumeID, bucketID int64) []int64 {
	prefix := fsoBucketPrefix(volumeID, bucketID)
	seen := map[int64]struct{}{bucketID: {}}
	ids := []int64{bucketID}
	it := c.meta.DirectoryIterator(prefix)
	for len(ids) < c.cfg.DirectoryCacheLimit {
		d, ok := it.Next()
		if !ok || !strings.HasPrefix(d.Key, prefix) {
			break
		}
		if _, dup := seen[d.ObjectID]; dup {
			continue
		}
		seen[d.ObjectID] = struct{}{}
		ids = append(ids, d.ObjectID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// processRange gates the candidate's size against the budget and splits it
// along directory boundaries when oversized.
func (c *FSOTableCompactor) processRange(cur KeyRange) (*RangeStats, error) {
	compound, err := c.compoundStatsForRange(cur)
	if err != nil {
		return nil, err
	}
	if compound.IsEmpty() {
		return &RangeStats{Range: cur}, nil
	}
	if compound.NumEntries() <= c.cfg.MaxCompactionEntries {
		return &RangeStats{Range: cur, Stats: compound.Compound()}, nil
	}

	c.logger.Info("range exceeds entry budget, splitting on directory boundaries",
		"table", c.table, "range", cur.String(),
		"entries", compound.NumEntries(), "maxEntries", c.cfg.MaxCompactionEntries)
	c.metrics.rangeSplit(c.table)

	fit := c.splitByDirectoryBoundaries(compound.Ranges(), c.cfg.MaxCompactionEntries)
	if len(fit) == 0 {
		// No whole-directory group fits; fall back to SST-boundary packing.
		fit = c.findFitRanges(compound.Ranges(), c.cfg.MaxCompactionEntries)
	}
	if len(fit) == 0 {
		c.logger.Warn("split produced no fit ranges, skipping", "table", c.table, "range", cur.String())
		return nil, nil
	}
	squashed, err := squashRanges(fit)
	if err != nil {
		return nil, err
	}
	// SSTs straddling the window start must not pull the unit back into
	// keyspace an earlier unit already covered.
	squashed.Range.Start = maxKey(squashed.Range.Start, cur.Start)

	// The unit ends where the packed group ends. Widening to the window
	// tail would sweep in SSTs that were never packed, so the remainder is
	// resumed at key granularity instead.
	upper := KeyPrefixUpperBound(squashed.Range.End)
	if endKeyLess(upper, cur.End) {
		c.cursor.ResumeKey = upper
		squashed.Range.End = upper
		c.logger.Info("split range, will resume",
			"table", c.table, "range", squashed.Range.String(), "resumeKey", upper)
	} else {
		squashed.Range.End = cur.End
	}
	return &squashed, nil
}

// splitByDirectoryBoundaries groups the per-SST breakdown by the
// (volume, bucket, parent) prefix of each SST's start key and packs whole
// groups, in key order, while the running sum fits the budget. Returns nil
// when no packing is possible (first group alone exceeds the budget, or keys
// do not parse), signalling the SST-boundary fallback.
func (c *FSOTableCompactor) splitByDirectoryBoundaries(list []RangeStats, maxEntries uint64) []RangeStats {
	groups := make(map[string][]RangeStats)
	for _, rs := range list {
		vol, bucket, parent, ok := parseFSOKey(rs.Range.Start)
		if !ok {
			c.logger.Debug("key does not parse as an FSO key, directory split abandoned",
				"table", c.table, "key", rs.Range.Start)
			return nil
		}
		boundary := fsoParentPrefix(vol, bucket, parent)
		groups[boundary] = append(groups[boundary], rs)
	}

	boundaries := make([]string, 0, len(groups))
	for b := range groups {
		boundaries = append(boundaries, b)
	}
	sort.Strings(boundaries)

	var packed []RangeStats
	var total uint64
	for _, b := range boundaries {
		var groupEntries uint64
		for _, rs := range groups[b] {
			groupEntries += rs.Stats.NumEntries
		}
		if groupEntries > maxEntries {
			// One directory alone exceeds the budget; whole-directory
			// packing cannot help here.
			if len(packed) == 0 {
				return nil
			}
			break
		}
		if total > 0 && total+groupEntries > maxEntries {
			break
		}
		packed = append(packed, groups[b]...)
		total += groupEntries
	}
	return packed
}

// nextParentBoundary returns the first key past the directory that key
// belongs to, or the prefix upper bound of the key itself when it does not
// parse as an FSO key.
func (c *FSOTableCompactor) nextParentBoundary(key string) string {
	if vol, bucket, parent, ok := parseFSOKey(key); ok {
		return KeyPrefixUpperBound(fsoParentPrefix(vol, bucket, parent))
	}
	return KeyPrefixUpperBound(key)
}

// FSO key helpers. Row keys have the form "/<volumeId>/<bucketId>/<parentId>/<name>".

func fsoKey(volumeID, bucketID, parentID int64, name string) string {
	return fmt.Sprintf("%s%d%s%d%s%d%s%s",
		keySeparator, volumeID, keySeparator, bucketID, keySeparator, parentID, keySeparator, name)
}

func fsoParentPrefix(volumeID, bucketID, parentID int64) string {
	return fsoKey(volumeID, bucketID, parentID, "")
}

func fsoBucketPrefix(volumeID, bucketID int64) string {
	return fmt.Sprintf("%s%d%s%d%s", keySeparator, volumeID, keySeparator, bucketID, keySeparator)
}

func parseFSOKey(key string) (volumeID, bucketID, parentID int64, ok bool) {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 4 || parts[0] != "" {
		return 0, 0, 0, false
	}
	var err error
	if volumeID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if bucketID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if parentID, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return volumeID, bucketID, parentID, true
}
