package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeNull(t *testing.T) {
	var n Node
	assert.True(t, n.IsNull())
	n[0] = 1
	assert.False(t, n.IsNull())
}

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{}
	m = m.WithSize(1234)
	m = m.WithFlags(7)

	buf := m.Marshal()
	got, n, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	size, ok := got.Size()
	require.True(t, ok)
	assert.EqualValues(t, 1234, size)

	flags, ok := got.Flags()
	require.True(t, ok)
	assert.EqualValues(t, 7, flags)
}

func TestMetadataPreservesOrder(t *testing.T) {
	m := Metadata{Attrs: []MetaAttr{
		{Tag: 0x10, Value: []byte("z")},
		{Tag: TagSize, Value: []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{Tag: 0x20, Value: []byte("a")},
	}}
	buf := m.Marshal()
	got, _, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, got.Attrs, 3)
	assert.Equal(t, uint8(0x10), got.Attrs[0].Tag)
	assert.Equal(t, TagSize, got.Attrs[1].Tag)
	assert.Equal(t, uint8(0x20), got.Attrs[2].Tag)
}

func TestMetadataUnknownTagsPreserved(t *testing.T) {
	m := Metadata{Attrs: []MetaAttr{{Tag: 0x7f, Value: []byte("mystery")}}}
	buf := m.Marshal()
	got, _, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, got.Attrs, 1)
	assert.Equal(t, uint8(0x7f), got.Attrs[0].Tag)
	assert.Equal(t, []byte("mystery"), got.Attrs[0].Value)
}

func TestMetadataTruncated(t *testing.T) {
	_, _, err := Unmarshal([]byte{MetaVersion})
	assert.Error(t, err)
}

func TestKeyEqual(t *testing.T) {
	a := Key{Path: Path("a"), Node: Node{1}}
	b := Key{Path: Path("a"), Node: Node{1}}
	c := Key{Path: Path("a"), Node: Node{2}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
