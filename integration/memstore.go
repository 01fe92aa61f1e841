// Package integration provides an in-memory metadata manager and DB store
// used by the command-line tools and the heavier end-to-end tests. It models
// just enough of the real store to exercise the scheduler: sorted bucket and
// directory tables, live SST file metadata, and per-range table properties.
package integration

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/peterxcli/rangecompact/compaction"
)

// SST is one synthetic SST file: its key span plus the table properties the
// engine would report for it.
type SST struct {
	Table       string
	Path        string
	FileName    string
	SmallestKey string
	LargestKey  string
	Entries     uint64
	Deletions   uint64
}

// CompactionCall records one CompactRange invocation for assertions.
type CompactionCall struct {
	Table string
	Start string
	End   string
}

// MemStore implements compaction.MetadataManager and compaction.DBStore over
// in-memory tables.
type MemStore struct {
	mu      sync.Mutex
	buckets []compaction.BucketInfo
	dirs    []compaction.DirectoryInfo
	ssts    []SST
	nextID  int

	calls []CompactionCall

	// CompactErr, when set, is consulted per call to inject execution
	// failures.
	CompactErr func(table, start, end string) error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

// AddBucket registers a bucket row. Key order is maintained internally.
func (m *MemStore) AddBucket(key string, volumeID, objectID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = append(m.buckets, compaction.BucketInfo{Key: key, VolumeID: volumeID, ObjectID: objectID})
	sort.Slice(m.buckets, func(i, j int) bool { return m.buckets[i].Key < m.buckets[j].Key })
}

// AddDirectory registers a directory row of the FSO directory table.
func (m *MemStore) AddDirectory(key string, objectID, parentID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, compaction.DirectoryInfo{Key: key, ObjectID: objectID, ParentID: parentID})
	sort.Slice(m.dirs, func(i, j int) bool { return m.dirs[i].Key < m.dirs[j].Key })
}

// AddSST registers one SST file for a table and returns its path.
func (m *MemStore) AddSST(table, smallest, largest string, entries, deletions uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := fmt.Sprintf("%06d.sst", m.nextID)
	m.nextID++
	m.ssts = append(m.ssts, SST{
		Table:       table,
		Path:        "/data/db/" + name,
		FileName:    name,
		SmallestKey: smallest,
		LargestKey:  largest,
		Entries:     entries,
		Deletions:   deletions,
	})
	return "/data/db/" + name
}

// Calls returns the recorded CompactRange invocations.
func (m *MemStore) Calls() []CompactionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompactionCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ResetCalls clears the recorded invocations.
func (m *MemStore) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// DirectoryTableName implements compaction.MetadataManager.
func (m *MemStore) DirectoryTableName() string {
	return "directoryTable"
}

// BucketIterator implements compaction.MetadataManager.
func (m *MemStore) BucketIterator(startAfter string) compaction.BucketIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]compaction.BucketInfo, 0, len(m.buckets))
	for _, b := range m.buckets {
		if b.Key >= startAfter {
			rows = append(rows, b)
		}
	}
	return &bucketIter{rows: rows}
}

// DirectoryIterator implements compaction.MetadataManager.
func (m *MemStore) DirectoryIterator(startAfter string) compaction.DirectoryIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]compaction.DirectoryInfo, 0, len(m.dirs))
	for _, d := range m.dirs {
		if d.Key >= startAfter {
			rows = append(rows, d)
		}
	}
	return &dirIter{rows: rows}
}

// LiveFilesMetadata implements compaction.DBStore.
func (m *MemStore) LiveFilesMetadata() []compaction.LiveFileMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]compaction.LiveFileMetadata, 0, len(m.ssts))
	for _, s := range m.ssts {
		out = append(out, compaction.LiveFileMetadata{
			Path:         s.Path,
			FileName:     s.FileName,
			ColumnFamily: s.Table,
			SmallestKey:  s.SmallestKey,
			LargestKey:   s.LargestKey,
		})
	}
	return out
}

// PropertiesOfTableInRange implements compaction.DBStore.
func (m *MemStore) PropertiesOfTableInRange(table string, r compaction.KeyRange) (map[string]compaction.TableProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]compaction.TableProperties)
	for _, s := range m.ssts {
		if s.Table != table {
			continue
		}
		if !r.Intersects(s.SmallestKey, s.LargestKey) {
			continue
		}
		out[s.Path] = compaction.TableProperties{NumEntries: s.Entries, NumDeletions: s.Deletions}
	}
	return out, nil
}

// CompactRange implements compaction.DBStore.
func (m *MemStore) CompactRange(table, start, end string) error {
	m.mu.Lock()
	inject := m.CompactErr
	m.mu.Unlock()
	if inject != nil {
		if err := inject(table, start, end); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, CompactionCall{Table: table, Start: start, End: end})
	return nil
}

type bucketIter struct {
	rows []compaction.BucketInfo
	pos  int
}

func (it *bucketIter) Next() (compaction.BucketInfo, bool) {
	if it.pos >= len(it.rows) {
		return compaction.BucketInfo{}, false
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true
}

type dirIter struct {
	rows []compaction.DirectoryInfo
	pos  int
}

func (it *dirIter) Next() (compaction.DirectoryInfo, bool) {
	if it.pos >= len(it.rows) {
		return compaction.DirectoryInfo{}, false
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true
}

// GenerateConfig shapes a synthetic keyspace for rehearsal runs.
type GenerateConfig struct {
	Buckets          int     `json:"buckets"`
	SSTsPerBucket    int     `json:"sstsPerBucket"`
	EntriesPerSST    uint64  `json:"entriesPerSST"`
	TombstoneRatio   float64 `json:"tombstoneRatio"` // Mean ratio; per-SST ratios jitter around it
	DirsPerBucket    int     `json:"dirsPerBucket"`  // FSO tables only
	FSOFilesPerDir   int     `json:"fsoFilesPerDir"`
	Seed             int64   `json:"seed"`
	IncludeOBSTables bool    `json:"includeOBSTables"`
	IncludeFSOTables bool    `json:"includeFSOTables"`
}

// DefaultGenerateConfig returns a small but non-trivial keyspace.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		Buckets:          4,
		SSTsPerBucket:    6,
		EntriesPerSST:    10_000,
		TombstoneRatio:   0.4,
		DirsPerBucket:    5,
		FSOFilesPerDir:   2,
		Seed:             1,
		IncludeOBSTables: true,
		IncludeFSOTables: true,
	}
}

// Generate populates a MemStore with a synthetic keyspace: flat bucket-keyed
// rows for the OBS tables and /volume/bucket/parent/name rows for the FSO
// tables.
func Generate(cfg GenerateConfig) *MemStore {
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := NewMemStore()

	nextObjectID := int64(1000)
	for b := 0; b < cfg.Buckets; b++ {
		bucketID := nextObjectID
		nextObjectID++
		bucketKey := fmt.Sprintf("/vol1/bucket%03d/", b)
		m.AddBucket(bucketKey, 1, bucketID)

		if cfg.IncludeOBSTables {
			for i := 0; i < cfg.SSTsPerBucket; i++ {
				lo := fmt.Sprintf("%skey%05d", bucketKey, i*1000)
				hi := fmt.Sprintf("%skey%05d", bucketKey, i*1000+999)
				m.AddSST("keyTable", lo, hi, cfg.EntriesPerSST, jitteredDeletions(rng, cfg.EntriesPerSST, cfg.TombstoneRatio))
			}
		}

		if cfg.IncludeFSOTables {
			parentID := bucketID
			for d := 0; d < cfg.DirsPerBucket; d++ {
				dirID := nextObjectID
				nextObjectID++
				dirKey := fmt.Sprintf("/%d/%d/%d/dir%03d", 1, bucketID, parentID, d)
				m.AddDirectory(dirKey, dirID, parentID)
				for f := 0; f < cfg.FSOFilesPerDir; f++ {
					lo := fmt.Sprintf("/%d/%d/%d/file%05d", 1, bucketID, dirID, f*100)
					hi := fmt.Sprintf("/%d/%d/%d/file%05d", 1, bucketID, dirID, f*100+99)
					m.AddSST("fileTable", lo, hi, cfg.EntriesPerSST, jitteredDeletions(rng, cfg.EntriesPerSST, cfg.TombstoneRatio))
				}
				// Chain every other directory under the previous one to get
				// some depth variety.
				if d%2 == 1 {
					parentID = dirID
				}
			}
		}
	}
	return m
}

func jitteredDeletions(rng *rand.Rand, entries uint64, meanRatio float64) uint64 {
	ratio := meanRatio + (rng.Float64()-0.5)*0.2
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return uint64(float64(entries) * ratio)
}
