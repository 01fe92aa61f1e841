package compaction

import "context"

// obsCursor is the pagination state of an OBS pass: the upper bound of the
// last bucket handed out, and the mid-bucket split point when an oversized
// bucket is being worked through in slices.
type obsCursor struct {
	BucketUpperBound string `json:"bucketUpperBound"`
	NextKey          string `json:"nextKey"`
}

// OBSTableCompactor schedules range compactions for flat, bucket-keyed
// tables. Candidate ranges follow bucket boundaries; a bucket whose entry
// count exceeds the budget is split along SST boundaries and the remainder is
// resumed on a later call via the cursor.
type OBSTableCompactor struct {
	baseCompactor
	cursor obsCursor
}

func newOBSTableCompactor(base baseCompactor) *OBSTableCompactor {
	return &OBSTableCompactor{baseCompactor: base}
}

// Run executes one pass.
func (c *OBSTableCompactor) Run(ctx context.Context) {
	c.runPass(ctx, c.collectCandidates)
}

// RangesNeedingCompaction returns the qualifying ranges of one pass.
func (c *OBSTableCompactor) RangesNeedingCompaction(ctx context.Context) []KeyRange {
	cands := c.collectCandidates(ctx)
	out := make([]KeyRange, 0, len(cands))
	for _, cand := range cands {
		out = append(out, cand.r)
	}
	return out
}

func (c *OBSTableCompactor) collectCandidates(ctx context.Context) []candidate {
	var out []candidate
	budget := c.reexamineFailed(&out, c.cfg.RangesPerRun)
	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			break
		}
		rs, done, err := c.prepareRange()
		if err != nil {
			// An error on one candidate never aborts the pass.
			c.logger.Error("failed to prepare range", "table", c.table, "error", err)
			continue
		}
		if done {
			c.logger.Info("bucket scan exhausted, wrapping on next pass", "table", c.table)
			break
		}
		if rs == nil {
			continue
		}
		c.metrics.rangeExamined(c.table)
		if NeedsCompaction(rs.Stats, c.cfg.MinTombstones, c.cfg.TombstoneRatio) {
			out = append(out, candidate{r: rs.Range, score: rs.Stats.TombstoneRatio()})
		} else {
			c.logger.Debug("range does not need compaction",
				"table", c.table, "range", rs.Range.String(), "stats", rs.Stats.String())
			c.metrics.rangeSkipped(c.table)
		}
	}
	return out
}

// prepareRange produces the next candidate. done is true once the bucket
// iterator is exhausted; a nil RangeStats with done == false means this
// candidate was abandoned (for example an unsplittable oversized bucket) and
// the loop should move on.
func (c *OBSTableCompactor) prepareRange() (*RangeStats, bool, error) {
	var cur KeyRange
	if c.cursor.NextKey != "" {
		// Continue from the last split point.
		cur = KeyRange{Start: c.cursor.NextKey, End: c.cursor.BucketUpperBound}
		c.cursor.NextKey = ""
	} else {
		bound, ok := c.nextBucketBound()
		if !ok {
			return nil, true, nil
		}
		cur = bound
	}

	compound, err := c.compoundStatsForRange(cur)
	if err != nil {
		return nil, false, err
	}

	if compound.NumEntries() <= c.cfg.MaxCompactionEntries {
		return &RangeStats{Range: cur, Stats: compound.Compound()}, false, nil
	}

	c.logger.Info("range exceeds entry budget, splitting",
		"table", c.table, "range", cur.String(),
		"entries", compound.NumEntries(), "maxEntries", c.cfg.MaxCompactionEntries)
	c.metrics.rangeSplit(c.table)

	fit := c.findFitRanges(compound.Ranges(), c.cfg.MaxCompactionEntries)
	if len(fit) == 0 {
		c.logger.Warn("split produced no fit ranges, skipping", "table", c.table, "range", cur.String())
		return nil, false, nil
	}
	squashed, err := squashRanges(fit)
	if err != nil {
		return nil, false, err
	}
	// An SST straddling the window start would pull the squashed range into
	// keyspace a previous unit already covered; clamp so units of one pass
	// never overlap.
	squashed.Range.Start = maxKey(squashed.Range.Start, cur.Start)

	// The squashed group is end-exclusive at the upper bound of its last
	// SST's largest key; anything of the bucket beyond that is picked up on
	// a later call.
	upper := KeyPrefixUpperBound(squashed.Range.End)
	if endKeyLess(upper, cur.End) {
		c.cursor.NextKey = upper
		squashed.Range.End = upper
		c.logger.Info("squashed range is not the last slice of the bucket",
			"table", c.table, "range", squashed.Range.String(), "nextKey", upper)
	} else {
		// Last slice: clamp to the bucket boundary so slices of adjacent
		// buckets never overlap.
		squashed.Range.End = cur.End
		c.logger.Info("squashed range is the last slice of the bucket",
			"table", c.table, "range", squashed.Range.String())
	}
	return &squashed, false, nil
}

// nextBucketBound advances the bucket iterator and returns the next bucket's
// keyspace [bucketStart, bucketEnd). bucketEnd is the following bucket's
// start key, or the prefix upper bound of bucketStart for the last bucket.
// Exhaustion resets the cursor so the next pass wraps to the first bucket.
func (c *OBSTableCompactor) nextBucketBound() (KeyRange, bool) {
	it := c.meta.BucketIterator(c.cursor.BucketUpperBound)
	first, ok := it.Next()
	if !ok {
		c.cursor = obsCursor{}
		return KeyRange{}, false
	}
	start := first.Key
	var end string
	if second, ok := it.Next(); ok {
		end = second.Key
	} else {
		end = KeyPrefixUpperBound(start)
	}
	c.cursor.BucketUpperBound = end
	return KeyRange{Start: start, End: end}, true
}
