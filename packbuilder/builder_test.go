package packbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basinhub/revisionstore/historypack"
	"github.com/basinhub/revisionstore/key"
)

func histNode(i int) key.Node {
	var n key.Node
	n[0] = byte(i)
	n[1] = byte(i >> 8)
	return n
}

func TestHistoryPackBuilderLinearChain(t *testing.T) {
	dir := t.TempDir()
	b, err := NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	path := key.Path("a.txt")
	link := histNode(1000)

	require.NoError(t, b.Add(key.Key{Path: path, Node: histNode(1)}, key.NodeInfo{Linknode: link}))
	require.NoError(t, b.Add(key.Key{Path: path, Node: histNode(2)}, key.NodeInfo{
		Parents:  [2]key.Key{{Path: path, Node: histNode(1)}, {}},
		Linknode: link,
	}))
	require.NoError(t, b.Add(key.Key{Path: path, Node: histNode(3)}, key.NodeInfo{
		Parents:  [2]key.Key{{Path: path, Node: histNode(2)}, {}},
		Linknode: link,
	}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := historypack.Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	tip := key.Key{Path: path, Node: histNode(3)}
	info, err := pack.GetNodeInfo(tip)
	require.NoError(t, err)
	require.Equal(t, histNode(2), info.Parents[0].Node)
	require.True(t, info.Parents[1].Node.IsNull())

	ancestors, err := pack.GetAncestors(tip)
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	require.Contains(t, ancestors, histNode(1))
	require.Contains(t, ancestors, histNode(2))
	require.Contains(t, ancestors, histNode(3))
}

func TestHistoryPackBuilderCopySource(t *testing.T) {
	dir := t.TempDir()
	b, err := NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	srcPath := key.Path("old/name.txt")
	dstPath := key.Path("new/name.txt")

	require.NoError(t, b.Add(key.Key{Path: srcPath, Node: histNode(1)}, key.NodeInfo{}))
	require.NoError(t, b.Add(key.Key{Path: dstPath, Node: histNode(2)}, key.NodeInfo{
		Parents: [2]key.Key{{Path: srcPath, Node: histNode(1)}, {}},
	}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := historypack.Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	info, err := pack.GetNodeInfo(key.Key{Path: dstPath, Node: histNode(2)})
	require.NoError(t, err)
	require.NotNil(t, info.CopyFrom)
	require.Equal(t, srcPath, *info.CopyFrom)
	require.Equal(t, srcPath, info.Parents[0].Path)
	require.Equal(t, histNode(1), info.Parents[0].Node)
}

func TestHistoryPackBuilderMultiplePaths(t *testing.T) {
	dir := t.TempDir()
	b, err := NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	for _, p := range []string{"z.txt", "a.txt", "m.txt"} {
		require.NoError(t, b.Add(key.Key{Path: key.Path(p), Node: histNode(1)}, key.NodeInfo{}))
	}

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := historypack.Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	paths := pack.Paths()
	require.Len(t, paths, 3)
	for i := 1; i < len(paths); i++ {
		require.True(t, string(paths[i-1]) < string(paths[i]))
	}

	keys, infos, err := pack.Entries()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Len(t, infos, 3)
}

// TestHistoryPackBuilderDedupsRepeatedKey covers re-deriving ancestry for
// the same (path, node) key, as an amend would: only the first Add should
// be indexed, so the index retains exactly one entry for the key and a
// reader deterministically sees the first-added record.
func TestHistoryPackBuilderDedupsRepeatedKey(t *testing.T) {
	dir := t.TempDir()
	b, err := NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	path := key.Path("a.txt")
	k := key.Key{Path: path, Node: histNode(1)}
	first := histNode(100)
	second := histNode(999)

	require.NoError(t, b.Add(k, key.NodeInfo{Linknode: first}))
	require.NoError(t, b.Add(k, key.NodeInfo{Linknode: second}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := historypack.Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	keys, infos, err := pack.Entries()
	require.NoError(t, err)
	require.Len(t, keys, 1, "duplicate (path, node) key must collapse to one index entry")
	require.Equal(t, first, infos[0].Linknode, "first Add for a key must win")

	info, err := pack.GetNodeInfo(k)
	require.NoError(t, err)
	require.Equal(t, first, info.Linknode)
}
