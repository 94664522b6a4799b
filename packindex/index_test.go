package packindex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basinhub/revisionstore/key"
)

func nodeFor(i int) key.Node {
	var n key.Node
	n[0] = byte(i >> 8)
	n[1] = byte(i)
	return n
}

func TestBuildAndLookup(t *testing.T) {
	var entries []Entry
	for i := 0; i < 300; i++ {
		entries = append(entries, Entry{Node: nodeFor(i), Offset: uint64(i) * 37})
	}
	data, _, err := Build(KindData, entries)
	require.NoError(t, err)

	idx, err := OpenReaderAt(bytesReaderAt(data), "mem")
	require.NoError(t, err)
	require.EqualValues(t, len(entries), idx.Count())

	for i := 0; i < 300; i++ {
		off, ok, err := idx.Lookup(nodeFor(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, i*37, off)
	}

	_, ok, err := idx.Lookup(key.Node{0xff, 0xee})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLargeFanout(t *testing.T) {
	var entries []Entry
	for i := 0; i < LargeFanoutThreshold+10; i++ {
		var n key.Node
		n[0] = byte(i >> 8)
		n[1] = byte(i)
		n[2] = byte(i >> 16)
		entries = append(entries, Entry{Node: n, Offset: uint64(i)})
	}
	data, _, err := Build(KindData, entries)
	require.NoError(t, err)

	idx, err := OpenReaderAt(bytesReaderAt(data), "mem")
	require.NoError(t, err)
	require.True(t, idx.large)

	all, err := idx.All()
	require.NoError(t, err)
	require.Len(t, all, len(entries))
}

func TestCorruptMagic(t *testing.T) {
	data, _, err := Build(KindData, []Entry{{Node: nodeFor(1), Offset: 1}})
	require.NoError(t, err)
	bad := append([]byte(nil), data...)
	bad[0] = 0xff
	_, err = OpenReaderAt(bytesReaderAt(bad), "mem")
	require.Error(t, err)
}

func bytesReaderAt(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
