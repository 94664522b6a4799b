package packstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packbuilder"
)

func storeNode(i int) key.Node {
	var n key.Node
	n[0] = byte(i)
	n[1] = byte(i >> 8)
	return n
}

func buildDataPack(t *testing.T, dir string, keys []key.Key) {
	t.Helper()
	b, err := packbuilder.NewDataPackBuilder(dir)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, b.Add(key.Delta{Key: k, Data: []byte("content-" + k.Node.String())}, key.Metadata{}))
	}
	_, _, err = b.Finalize()
	require.NoError(t, err)
}

func TestDataPackStoreLookupAndMissing(t *testing.T) {
	dir := t.TempDir()
	present := key.Key{Path: key.Path("a"), Node: storeNode(1)}
	buildDataPack(t, dir, []key.Key{present})

	s, err := OpenDataPackStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(present)
	require.NoError(t, err)
	require.Equal(t, []byte("content-"+present.Node.String()), got)

	absent := key.Key{Path: key.Path("a"), Node: storeNode(2)}
	missing, err := s.GetMissing([]key.Key{present, absent})
	require.NoError(t, err)
	require.Equal(t, []key.Key{absent}, missing)
}

func TestDataPackStoreDiscoversNewPackOnRescan(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewMock()
	s, err := OpenDataPackStore(dir, WithClock(mc), WithRescanInterval(time.Minute))
	require.NoError(t, err)
	defer s.Close()

	k := key.Key{Path: key.Path("a"), Node: storeNode(1)}
	missing, err := s.GetMissing([]key.Key{k})
	require.NoError(t, err)
	require.Equal(t, []key.Key{k}, missing)

	buildDataPack(t, dir, []key.Key{k})

	// Advance past the rescan interval so the next lookup's miss
	// triggers a fresh directory scan and picks up the new pack.
	mc.Add(time.Minute)
	got, err := s.Get(k)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestDataPackStoreForceRescan(t *testing.T) {
	dir := t.TempDir()
	mc := clock.NewMock()
	s, err := OpenDataPackStore(dir, WithClock(mc), WithRescanInterval(time.Hour))
	require.NoError(t, err)
	defer s.Close()

	k := key.Key{Path: key.Path("a"), Node: storeNode(1)}
	_, err = s.GetMissing([]key.Key{k})
	require.NoError(t, err)

	buildDataPack(t, dir, []key.Key{k})
	s.ForceRescan()

	got, err := s.Get(k)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestDataPackStoreCorruptionIgnore(t *testing.T) {
	dir := t.TempDir()
	k := key.Key{Path: key.Path("a"), Node: storeNode(1)}
	buildDataPack(t, dir, []key.Key{k})

	corruptIndex(t, dir)

	s, err := OpenDataPackStore(dir, WithCorruptionPolicy(Ignore))
	require.NoError(t, err)
	defer s.Close()

	missing, err := s.GetMissing([]key.Key{k})
	require.NoError(t, err)
	require.Equal(t, []key.Key{k}, missing)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "Ignore must leave the corrupt files in place")
}

func TestDataPackStoreCorruptionRemove(t *testing.T) {
	dir := t.TempDir()
	k := key.Key{Path: key.Path("a"), Node: storeNode(1)}
	buildDataPack(t, dir, []key.Key{k})

	corruptIndex(t, dir)

	s, err := OpenDataPackStore(dir, WithCorruptionPolicy(Remove))
	require.NoError(t, err)
	defer s.Close()

	missing, err := s.GetMissing([]key.Key{k})
	require.NoError(t, err)
	require.Equal(t, []key.Key{k}, missing)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "Remove must delete both files of the corrupt pack")
}

func TestDataPackStoreMetrics(t *testing.T) {
	dir := t.TempDir()
	buildDataPack(t, dir, []key.Key{{Path: key.Path("a"), Node: storeNode(1)}})

	s, err := OpenDataPackStore(dir)
	require.NoError(t, err)
	defer s.Close()

	m := s.Metrics()
	require.EqualValues(t, 1, m.NumPacks)
	require.True(t, m.TotalPackSize > 0)
}

// corruptIndex flips the magic byte of the lone .dataidx file in dir.
func corruptIndex(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if len(e.Name()) > 8 && e.Name()[len(e.Name())-8:] == ".dataidx" {
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[0] = 0xff
			require.NoError(t, os.WriteFile(path, data, 0o644))
			return
		}
	}
	t.Fatal("no .dataidx file found")
}
