package compaction

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOBSCursorRoundTrip(t *testing.T) {
	a := &OBSTableCompactor{}
	a.cursor = obsCursor{BucketUpperBound: "/b2/", NextKey: "/b1/m"}

	raw, err := a.cursorSnapshot()
	require.NoError(t, err)

	b := &OBSTableCompactor{}
	require.NoError(t, b.restoreCursor(raw))
	require.Equal(t, a.cursor, b.cursor)
}

func TestFSOCursorRoundTripRebuildsParents(t *testing.T) {
	a := &FSOTableCompactor{}
	a.cursor = fsoCursor{
		HasBucket: true,
		HasParent: true,
		VolumeID:  1,
		BucketID:  100,
		ParentID:  201,
		BucketKey: "/vol1/bucketA/",
		ResumeKey: "/1/100/201/file500",
	}
	a.parents = []int64{100, 201}

	raw, err := a.cursorSnapshot()
	require.NoError(t, err)

	b := &FSOTableCompactor{}
	b.parents = []int64{999}
	require.NoError(t, b.restoreCursor(raw))
	require.Equal(t, a.cursor, b.cursor)
	require.Nil(t, b.parents, "parent list is rebuilt, never persisted")
}

func TestRestoreCursorRejectsGarbage(t *testing.T) {
	c := &OBSTableCompactor{}
	require.Error(t, c.restoreCursor(json.RawMessage(`{"bucketUpperBound": 42}`)))
}

func TestCursorStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")

	s, err := NewCursorStore(path)
	require.NoError(t, err)
	defer s.Close()

	// Missing file is an empty state.
	got, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, got)

	in := map[string]json.RawMessage{
		"keyTable":  json.RawMessage(`{"bucketUpperBound":"/b2/","nextKey":""}`),
		"fileTable": json.RawMessage(`{"hasBucket":true,"bucketId":100}`),
	}
	require.NoError(t, s.Save(in))

	got, err = s.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.JSONEq(t, string(in["keyTable"]), string(got["keyTable"]))
	require.JSONEq(t, string(in["fileTable"]), string(got["fileTable"]))
}

func TestCursorStoreSingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")

	first, err := NewCursorStore(path)
	require.NoError(t, err)

	_, err = NewCursorStore(path)
	require.Error(t, err, "second instance must not claim the same cursor file")

	require.NoError(t, first.Close())

	second, err := NewCursorStore(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
