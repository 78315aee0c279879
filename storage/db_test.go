package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBWriteAppliesPutsAndDeletes(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("a"), []byte("1")))

	require.NoError(t, db.Write(map[string][]byte{
		"a": nil,
		"b": []byte("2"),
	}))

	_, err := db.Get([]byte("a"))
	require.True(t, errors.Is(err, ErrNotFound))
	value, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	require.Equal(t, 1, db.Len())
}

func TestLevelDBBatchPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("stale"), []byte("x")))
	require.NoError(t, db1.Write(map[string][]byte{
		"key":   []byte("value"),
		"stale": nil,
	}))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	_, err = db2.Get([]byte("stale"))
	require.ErrorIs(t, err, ErrNotFound)
}
