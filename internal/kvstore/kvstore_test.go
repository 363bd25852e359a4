package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppend_AssignsAscendingCounters(t *testing.T) {
	s := openTestStore(t)

	c1, err := s.Append("PPLNS", []byte("one"))
	require.NoError(t, err)
	c2, err := s.Append("PPLNS", []byte("two"))
	require.NoError(t, err)

	assert.Less(t, c1, c2)
}

func TestScanAll_ReturnsInsertionOrder(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append("PPLNS", []byte("a"))
	require.NoError(t, err)
	_, err = s.Append("PPLNS", []byte("b"))
	require.NoError(t, err)
	_, err = s.Append("PPLNS", []byte("c"))
	require.NoError(t, err)

	entries, err := s.ScanAll("PPLNS")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", string(entries[0].Value))
	assert.Equal(t, "b", string(entries[1].Value))
	assert.Equal(t, "c", string(entries[2].Value))
}

func TestScanAll_EmptyPrefixReturnsNoEntriesNotError(t *testing.T) {
	s := openTestStore(t)
	entries, err := s.ScanAll("NEVER_WRITTEN")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplaceAll_OverwritesPriorEntries(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append("PPLNS", []byte("stale-1"))
	require.NoError(t, err)
	_, err = s.Append("PPLNS", []byte("stale-2"))
	require.NoError(t, err)

	require.NoError(t, s.ReplaceAll("PPLNS", [][]byte{[]byte("fresh-1"), []byte("fresh-2")}))

	entries, err := s.ScanAll("PPLNS")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "fresh-1", string(entries[0].Value))
	assert.Equal(t, "fresh-2", string(entries[1].Value))
}

func TestReplaceAll_ThenAppendContinuesAscendingFromNewSequence(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ReplaceAll("PPLNS", [][]byte{[]byte("a"), []byte("b")}))
	counter, err := s.Append("PPLNS", []byte("c"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, counter)
}

func TestDifferentPrefixesAreIndependent(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append("PPLNS", []byte("share-row"))
	require.NoError(t, err)
	_, err = s.Append("OTHER", []byte("other-row"))
	require.NoError(t, err)

	pplns, err := s.ScanAll("PPLNS")
	require.NoError(t, err)
	other, err := s.ScanAll("OTHER")
	require.NoError(t, err)

	require.Len(t, pplns, 1)
	require.Len(t, other, 1)
	assert.Equal(t, "share-row", string(pplns[0].Value))
	assert.Equal(t, "other-row", string(other[0].Value))
}
