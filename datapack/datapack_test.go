package datapack

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packbuilder"
)

func nodeFor(i int) key.Node {
	var n key.Node
	n[0] = byte(i)
	n[1] = byte(i >> 8)
	return n
}

func TestDataPackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewDataPackBuilder(dir)
	require.NoError(t, err)

	contents := make(map[key.Node][]byte)
	for i := 0; i < 100; i++ {
		node := nodeFor(i)
		data := []byte{byte(i), byte(i + 1), byte(i + 2)}
		contents[node] = data
		k := key.Key{Path: key.Path("file.txt"), Node: node}
		require.NoError(t, b.Add(key.Delta{Key: k, Data: data}, key.Metadata{}.WithSize(uint64(len(data)))))
	}

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	for node, want := range contents {
		k := key.Key{Path: key.Path("file.txt"), Node: node}
		got, err := pack.Get(k)
		require.NoError(t, err)
		require.Equal(t, want, got)

		meta, err := pack.GetMeta(k)
		require.NoError(t, err)
		size, ok := meta.Size()
		require.True(t, ok)
		require.EqualValues(t, len(want), size)
	}
	require.Equal(t, ".datapack", filepath.Ext(packPath))
}

func TestDataPackDeltaChain(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewDataPackBuilder(dir)
	require.NoError(t, err)

	path := key.Path("file.txt")
	base := []byte("hello world, this is the base revision")
	derived := []byte("hello world, this is a derived revision")

	baseKey := key.Key{Path: path, Node: nodeFor(1)}
	derivedKey := key.Key{Path: path, Node: nodeFor(2)}

	require.NoError(t, b.Add(key.Delta{Key: baseKey, Data: base}, key.Metadata{}))
	require.NoError(t, b.Add(key.Delta{
		Key:  derivedKey,
		Base: &baseKey,
		Data: BuildDelta(base, derived),
	}, key.Metadata{}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	chain, err := pack.GetDeltaChain(derivedKey)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Nil(t, chain[len(chain)-1].Base)

	got, err := pack.Get(derivedKey)
	require.NoError(t, err)
	require.Equal(t, derived, got)
}

func TestDataPackBrokenChain(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewDataPackBuilder(dir)
	require.NoError(t, err)

	path := key.Path("file.txt")
	missingBase := key.Key{Path: path, Node: nodeFor(99)}
	derivedKey := key.Key{Path: path, Node: nodeFor(2)}
	require.NoError(t, b.Add(key.Delta{Key: derivedKey, Base: &missingBase, Data: []byte("x")}, key.Metadata{}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	_, err = pack.GetDeltaChain(derivedKey)
	require.Error(t, err)
}

func TestDataPackMissing(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewDataPackBuilder(dir)
	require.NoError(t, err)

	present := key.Key{Path: key.Path("a"), Node: nodeFor(1)}
	require.NoError(t, b.Add(key.Delta{Key: present, Data: []byte("x")}, key.Metadata{}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)
	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	absent := key.Key{Path: key.Path("a"), Node: nodeFor(2)}
	missing, err := pack.GetMissing([]key.Key{present, absent})
	require.NoError(t, err)
	require.Equal(t, []key.Key{absent}, missing)
}
