package compaction

// LiveFileMetadata describes one live SST file of the store, as reported by
// the storage engine at a point in time. SmallestKey/LargestKey are both
// inclusive.
type LiveFileMetadata struct {
	Path         string // Full path, including the file name
	FileName     string // Base name only
	ColumnFamily string
	SmallestKey  string
	LargestKey   string
}

// TableProperties is the per-SST property block the storage engine maintains
// for a column family.
type TableProperties struct {
	NumEntries   uint64
	NumDeletions uint64
}

// DBStore is the slice of the storage engine the compactors consume: live SST
// metadata, table properties restricted to a key range, and the manual range
// compaction primitive. Results are point-in-time snapshots of a concurrently
// written tree; staleness is acceptable.
type DBStore interface {
	// LiveFilesMetadata lists all live SST files of the store.
	LiveFilesMetadata() []LiveFileMetadata

	// PropertiesOfTableInRange returns the table properties of every SST of
	// the named table that intersects r, keyed by SST file path.
	PropertiesOfTableInRange(table string, r KeyRange) (map[string]TableProperties, error)

	// CompactRange asks the engine to compact [start, end) of the named
	// table.
	CompactRange(table, start, end string) error
}

// BucketInfo is one bucket row of the metadata manager.
type BucketInfo struct {
	Key      string // Bucket row key, also the first key of the bucket's keyspace
	VolumeID int64
	ObjectID int64
}

// DirectoryInfo is one directory row of the FSO directory table. The row key
// is "/<volumeId>/<bucketId>/<parentId>/<name>".
type DirectoryInfo struct {
	Key      string
	ObjectID int64
	ParentID int64
}

// BucketIterator walks bucket rows in key order.
type BucketIterator interface {
	Next() (BucketInfo, bool)
}

// DirectoryIterator walks directory rows in key order.
type DirectoryIterator interface {
	Next() (DirectoryInfo, bool)
}

// MetadataManager is the slice of the metadata layer the compactors consume.
type MetadataManager interface {
	// BucketIterator returns an iterator positioned at the first bucket whose
	// key is >= startAfter. An empty startAfter starts from the beginning.
	BucketIterator(startAfter string) BucketIterator

	// DirectoryIterator returns an iterator over the directory table
	// positioned at the first row whose key is >= startAfter.
	DirectoryIterator(startAfter string) DirectoryIterator

	// DirectoryTableName names the FSO directory table.
	DirectoryTableName() string
}
