package indexedlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

func logNode(i int) key.Node {
	var n key.Node
	n[0] = byte(i)
	n[1] = byte(i >> 8)
	return n
}

func TestIndexedLogEmpty(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.GetDelta(key.Key{Path: key.Path("a"), Node: logNode(1)})
	var nf *revisionstore.NotFound
	require.True(t, errors.As(err, &nf))
}

func TestIndexedLogSingleAdd(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	k := key.Key{Path: key.Path("a"), Node: logNode(1)}
	require.NoError(t, l.Add(key.Delta{Key: k, Data: []byte{1, 2, 3, 4}}, key.Metadata{}))
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()

	d, err := l.GetDelta(k)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, d.Data)
	require.Nil(t, d.Base)
}

func TestIndexedLogRejectsDeltaedAdd(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	base := key.Key{Path: key.Path("a"), Node: logNode(1)}
	derived := key.Key{Path: key.Path("a"), Node: logNode(2)}
	err = l.Add(key.Delta{Key: derived, Base: &base, Data: []byte("x")}, key.Metadata{})
	require.ErrorIs(t, err, revisionstore.InvalidWrite)

	missing, err := l.GetMissing([]key.Key{derived})
	require.NoError(t, err)
	require.Equal(t, []key.Key{derived}, missing)
}

func TestIndexedLogMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	k := key.Key{Path: key.Path("a"), Node: logNode(1)}
	meta := key.Metadata{}.WithSize(4)
	require.NoError(t, l.Add(key.Delta{Key: k, Data: []byte{9, 9, 9, 9}}, meta))
	require.NoError(t, l.Flush())

	got, err := l.GetMeta(k)
	require.NoError(t, err)
	size, ok := got.Size()
	require.True(t, ok)
	require.EqualValues(t, 4, size)

	chain, err := l.GetDeltaChain(k)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Nil(t, chain[0].Base)
}

func TestIndexedLogRotation(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, WithMaxShardBytes(64), WithMaxShards(3))
	require.NoError(t, err)

	var keys []key.Key
	for i := 0; i < 50; i++ {
		k := key.Key{Path: key.Path("a"), Node: logNode(i)}
		keys = append(keys, k)
		require.NoError(t, l.Add(key.Delta{Key: k, Data: []byte{byte(i), byte(i), byte(i), byte(i)}}, key.Metadata{}))
	}
	require.NoError(t, l.Close())

	require.True(t, len(l.shards) <= 3)

	l, err = Open(dir, WithMaxShardBytes(64), WithMaxShards(3))
	require.NoError(t, err)
	defer l.Close()

	missing, err := l.GetMissing(keys)
	require.NoError(t, err)
	require.True(t, len(missing) > 0, "oldest keys should have rotated out")
	require.True(t, len(missing) < len(keys), "newest keys should still be present")

	tail := keys[len(keys)-1]
	d, err := l.GetDelta(tail)
	require.NoError(t, err)
	require.Equal(t, []byte{49, 49, 49, 49}, d.Data)
}
