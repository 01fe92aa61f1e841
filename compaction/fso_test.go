package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSOKeyRoundTrip(t *testing.T) {
	key := fsoKey(1, 100, 201, "report.txt")
	require.Equal(t, "/1/100/201/report.txt", key)

	vol, bucket, parent, ok := parseFSOKey(key)
	require.True(t, ok)
	require.Equal(t, int64(1), vol)
	require.Equal(t, int64(100), bucket)
	require.Equal(t, int64(201), parent)
}

func TestParseFSOKeyRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"plainkey",
		"/1/100",
		"1/100/201/name", // missing leading separator
		"/x/100/201/name",
		"/1/x/201/name",
		"/1/100/x/name",
	} {
		if _, _, _, ok := parseFSOKey(key); ok {
			t.Errorf("parseFSOKey(%q) unexpectedly succeeded", key)
		}
	}
}

func TestDirectoryCacheDepth(t *testing.T) {
	dc := newDirectoryCache(100)

	// 100 -> 201 -> 202 chain; 100 itself (the bucket) is not cached.
	dc.put(&directoryMetadata{objectID: 201, parentID: 100, depth: 0})
	dc.put(&directoryMetadata{objectID: 202, parentID: 201, depth: 1})

	require.Equal(t, 0, dc.depthOf(100, 10))
	require.Equal(t, 1, dc.depthOf(201, 10))
	require.Equal(t, 2, dc.depthOf(202, 10))

	// The walk is capped.
	require.Equal(t, 1, dc.depthOf(202, 1))
}

func TestDirectoryCacheBounded(t *testing.T) {
	dc := newDirectoryCache(2)
	require.True(t, dc.put(&directoryMetadata{objectID: 1}))
	require.True(t, dc.put(&directoryMetadata{objectID: 2}))
	require.False(t, dc.put(&directoryMetadata{objectID: 3}))
	require.Equal(t, 2, dc.len())
	require.Nil(t, dc.get(3))
}

func TestDirectoryPriorityDecaysWithDepth(t *testing.T) {
	shallow := directoryMetadata{depth: 0, entryCount: 100, tombstoneCount: 80}
	deep := directoryMetadata{depth: 3, entryCount: 100, tombstoneCount: 80}

	require.InDelta(t, 0.8, shallow.priority(0.8), 1e-9)
	require.InDelta(t, 0.8*0.8*0.8*0.8, deep.priority(0.8), 1e-9)
	require.Greater(t, shallow.priority(0.8), deep.priority(0.8))

	empty := directoryMetadata{depth: 0}
	require.Zero(t, empty.priority(0.8))
}

func newFSOForTest(t *testing.T, store *fakeStore, cfg Config) *FSOTableCompactor {
	t.Helper()
	c, err := NewBuilder().
		WithTable("fileTable").
		WithConfig(cfg).
		WithMetadataManager(store).
		WithDBStore(store).
		WithLogger(testLogger()).
		Build()
	require.NoError(t, err)
	return c.(*FSOTableCompactor)
}

func TestSplitByDirectoryBoundaries(t *testing.T) {
	rs := func(parent int64, name string, entries uint64) RangeStats {
		return RangeStats{
			Range: KeyRange{Start: fsoKey(1, 100, parent, name), End: fsoKey(1, 100, parent, name+"z")},
			Stats: KeyRangeStats{NumEntries: entries},
		}
	}
	c := newFSOForTest(t, newFakeStore(), DefaultConfig())

	t.Run("packs whole directories in key order", func(t *testing.T) {
		packed := c.splitByDirectoryBoundaries([]RangeStats{
			rs(100, "a", 40), rs(100, "m", 40), rs(201, "a", 40),
		}, 90)

		// Group /1/100/100/ fits (80); adding group /1/100/201/ would
		// overflow, so it is left for the next slice.
		require.Len(t, packed, 2)
		for _, p := range packed {
			require.True(t, strings.HasPrefix(p.Range.Start, fsoParentPrefix(1, 100, 100)),
				"packed SST %s crosses the directory boundary", p.Range)
		}
	})

	t.Run("never splits inside a directory", func(t *testing.T) {
		// The first directory alone exceeds the budget; whole-directory
		// packing refuses rather than carving it up.
		packed := c.splitByDirectoryBoundaries([]RangeStats{
			rs(100, "a", 60), rs(100, "m", 60), rs(201, "a", 10),
		}, 90)
		require.Nil(t, packed)
	})

	t.Run("both directories fit", func(t *testing.T) {
		packed := c.splitByDirectoryBoundaries([]RangeStats{
			rs(100, "a", 40), rs(201, "a", 40),
		}, 90)
		require.Len(t, packed, 2)
	})

	t.Run("non-FSO key aborts directory packing", func(t *testing.T) {
		packed := c.splitByDirectoryBoundaries([]RangeStats{
			rs(100, "a", 40),
			{Range: KeyRange{Start: "plainkey", End: "plainkeyz"}, Stats: KeyRangeStats{NumEntries: 10}},
		}, 90)
		require.Nil(t, packed)
	})
}

// Qualifying directories are reported shallow-first: a deep directory with a
// higher raw tombstone ratio ranks below a shallower one once the depth decay
// is applied.
func TestFSODepthWeightedRanking(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)
	store.addDir(fsoKey(1, 100, 100, "dirA"), 201, 100)
	store.addDir(fsoKey(1, 100, 201, "dirB"), 202, 201)

	// dirA content: ratio 0.8 at depth 0 -> score 0.8
	store.addSST("fileTable", fsoKey(1, 100, 201, "file000"), fsoKey(1, 100, 201, "file999"), 100, 80)
	// dirB content: ratio 0.9 at depth 1 -> score 0.9 * 0.8 = 0.72
	store.addSST("fileTable", fsoKey(1, 100, 202, "file000"), fsoKey(1, 100, 202, "file999"), 100, 90)

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5

	c := newFSOForTest(t, store, cfg)
	got := c.RangesNeedingCompaction(context.Background())

	require.Len(t, got, 2)
	require.Equal(t, fsoParentPrefix(1, 100, 201), got[0].Start)
	require.Equal(t, fsoParentPrefix(1, 100, 202), got[1].Start)
}

// Each candidate range covers exactly one parent's keyspace, and a directory
// below the thresholds is skipped.
func TestFSOParentWindowsAndQualification(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)
	store.addDir(fsoKey(1, 100, 100, "hot"), 201, 100)
	store.addDir(fsoKey(1, 100, 100, "cold"), 202, 100)

	store.addSST("fileTable", fsoKey(1, 100, 201, "a"), fsoKey(1, 100, 201, "z"), 100, 80)
	store.addSST("fileTable", fsoKey(1, 100, 202, "a"), fsoKey(1, 100, 202, "z"), 100, 2)

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5

	c := newFSOForTest(t, store, cfg)
	got := c.RangesNeedingCompaction(context.Background())

	require.Equal(t, []KeyRange{
		{Start: fsoParentPrefix(1, 100, 201), End: KeyPrefixUpperBound(fsoParentPrefix(1, 100, 201))},
	}, got)
}

// An oversized parent window with an SST reaching in from a lower-numbered
// parent is split at the directory boundary, not mid-directory, and the
// unpacked remainder is resumed as its own unit.
func TestFSOOversizedWindowSplitsAtDirectoryBoundary(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)

	// Straddler: begins under parent 10 and reaches into parent 100's
	// keyspace.
	store.addSST("fileTable", fsoKey(1, 100, 10, "x"), fsoKey(1, 100, 100, "m"), 30, 20)
	store.addSST("fileTable", fsoKey(1, 100, 100, "n"), fsoKey(1, 100, 100, "z"), 100, 70)

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5
	cfg.MaxCompactionEntries = 120

	c := newFSOForTest(t, store, cfg)
	got := c.RangesNeedingCompaction(context.Background())

	prefix := fsoParentPrefix(1, 100, 100)
	resume := KeyPrefixUpperBound(fsoKey(1, 100, 100, "m"))
	require.ElementsMatch(t, []KeyRange{
		{Start: prefix, End: resume},
		{Start: resume, End: KeyPrefixUpperBound(prefix)},
	}, got)
	for _, r := range got {
		require.True(t, strings.HasPrefix(r.Start, prefix),
			"range %s starts outside the window's directory", r)
	}
}

// A directory whose SSTs together exceed the entry budget is worked through
// in slices; no emitted unit covers SSTs that were not packed into it.
func TestFSOOversizedDirectoryResumedInSlices(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)
	store.addSST("fileTable", fsoKey(1, 100, 100, "a"), fsoKey(1, 100, 100, "f"), 100, 80)
	store.addSST("fileTable", fsoKey(1, 100, 100, "g"), fsoKey(1, 100, 100, "m"), 100, 80)

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5
	cfg.MaxCompactionEntries = 120

	c := newFSOForTest(t, store, cfg)
	got := c.RangesNeedingCompaction(context.Background())

	require.ElementsMatch(t, []KeyRange{
		{Start: fsoKey(1, 100, 100, "a"), End: fsoKey(1, 100, 100, "g")},
		{Start: fsoKey(1, 100, 100, "g"), End: KeyPrefixUpperBound(fsoParentPrefix(1, 100, 100))},
	}, got)

	// Each unit's true entry count stays within the budget.
	b := newTestBase("fileTable", cfg)
	b.meta = store
	b.store = store
	for _, r := range got {
		compound, err := b.compoundStatsForRange(r)
		require.NoError(t, err)
		require.LessOrEqual(t, compound.NumEntries(), cfg.MaxCompactionEntries,
			"unit %s holds more entries than the budget allows", r)
	}
}

// A stats read error on one parent window is contained: the pass logs it and
// moves on to the remaining windows.
func TestFSOStatsErrorDoesNotAbortPass(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)
	store.addDir(fsoKey(1, 100, 100, "hot"), 201, 100)
	store.addDir(fsoKey(1, 100, 100, "warm"), 202, 100)
	store.addSST("fileTable", fsoKey(1, 100, 201, "a"), fsoKey(1, 100, 201, "z"), 100, 80)
	store.addSST("fileTable", fsoKey(1, 100, 202, "a"), fsoKey(1, 100, 202, "z"), 100, 80)

	store.propsErr = func(table string, r KeyRange) error {
		if r.Start == fsoParentPrefix(1, 100, 201) {
			return errors.New("injected")
		}
		return nil
	}

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5

	c := newFSOForTest(t, store, cfg)
	got := c.RangesNeedingCompaction(context.Background())

	require.Equal(t, []KeyRange{
		{Start: fsoParentPrefix(1, 100, 202), End: KeyPrefixUpperBound(fsoParentPrefix(1, 100, 202))},
	}, got)
}

// The bucket cursor wraps after the scan is exhausted.
func TestFSOPaginationAcrossBuckets(t *testing.T) {
	store := newFakeStore()
	store.addBucket("/vol1/bucketA/", 1, 100)
	store.addBucket("/vol1/bucketB/", 1, 300)
	store.addSST("fileTable", fsoKey(1, 100, 100, "a"), fsoKey(1, 100, 100, "z"), 100, 80)
	store.addSST("fileTable", fsoKey(1, 300, 300, "a"), fsoKey(1, 300, 300, "z"), 100, 80)

	cfg := DefaultConfig()
	cfg.MinTombstones = 10
	cfg.TombstoneRatio = 0.5
	cfg.RangesPerRun = 1

	c := newFSOForTest(t, store, cfg)
	ctx := context.Background()

	pass1 := c.RangesNeedingCompaction(ctx)
	require.Len(t, pass1, 1)
	require.Equal(t, fsoParentPrefix(1, 100, 100), pass1[0].Start)

	pass2 := c.RangesNeedingCompaction(ctx)
	require.Len(t, pass2, 1)
	require.Equal(t, fsoParentPrefix(1, 300, 300), pass2[0].Start)

	require.Empty(t, c.RangesNeedingCompaction(ctx))

	pass4 := c.RangesNeedingCompaction(ctx)
	require.Len(t, pass4, 1)
	require.Equal(t, fsoParentPrefix(1, 100, 100), pass4[0].Start, "wraps to the first bucket")
}
