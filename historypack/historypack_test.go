package historypack

import (
	"testing"

	"github.com/stretchr/testify/require"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packbuilder"
)

func histNode(i int) key.Node {
	var n key.Node
	n[0] = byte(i)
	n[1] = byte(i >> 8)
	return n
}

// TestAncestorBFSTwoGeneration mirrors S6: a:1 (parents a:0, NULL), a:0
// (parents NULL, NULL); GetAncestors(a:1) must return exactly {a:1, a:0}.
func TestAncestorBFSTwoGeneration(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	path := key.Path("a")
	a0 := key.Key{Path: path, Node: histNode(0)}
	a1 := key.Key{Path: path, Node: histNode(1)}

	require.NoError(t, b.Add(a0, key.NodeInfo{}))
	require.NoError(t, b.Add(a1, key.NodeInfo{Parents: [2]key.Key{a0, {}}}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	ancestors, err := pack.GetAncestors(a1)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	require.Contains(t, ancestors, a0.Node)
	require.Contains(t, ancestors, a1.Node)
}

func TestGetNodeInfoNotFound(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewHistoryPackBuilder(dir)
	require.NoError(t, err)
	require.NoError(t, b.Add(key.Key{Path: key.Path("a"), Node: histNode(1)}, key.NodeInfo{}))
	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	_, err = pack.GetNodeInfo(key.Key{Path: key.Path("a"), Node: histNode(2)})
	var nf *revisionstore.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestGetMissing(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	present := key.Key{Path: key.Path("a"), Node: histNode(1)}
	require.NoError(t, b.Add(present, key.NodeInfo{}))
	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	absent := key.Key{Path: key.Path("a"), Node: histNode(2)}
	missing, err := pack.GetMissing([]key.Key{present, absent})
	require.NoError(t, err)
	require.Equal(t, []key.Key{absent}, missing)
}

// TestPathDisambiguatesSameNode exercises the (path, node) index key:
// the same node under two different paths must resolve independently.
func TestPathDisambiguatesSameNode(t *testing.T) {
	dir := t.TempDir()
	b, err := packbuilder.NewHistoryPackBuilder(dir)
	require.NoError(t, err)

	shared := histNode(7)
	k1 := key.Key{Path: key.Path("one.txt"), Node: shared}
	k2 := key.Key{Path: key.Path("two.txt"), Node: shared}
	require.NoError(t, b.Add(k1, key.NodeInfo{Linknode: histNode(100)}))
	require.NoError(t, b.Add(k2, key.NodeInfo{Linknode: histNode(200)}))

	packPath, idxPath, err := b.Finalize()
	require.NoError(t, err)

	pack, err := Open(packPath, idxPath)
	require.NoError(t, err)
	defer pack.Close()

	i1, err := pack.GetNodeInfo(k1)
	require.NoError(t, err)
	require.Equal(t, histNode(100), i1.Linknode)

	i2, err := pack.GetNodeInfo(k2)
	require.NoError(t, err)
	require.Equal(t, histNode(200), i2.Linknode)
}
