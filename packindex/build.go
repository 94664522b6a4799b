package packindex

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/basinhub/revisionstore/key"
)

// Build sorts entries by node and returns the bytes of a complete index
// file, ending with its own trailing checksum. It also returns the
// checksum so the caller can derive the pack's content-addressed name.
//
// Duplicate nodes are expected to have already been resolved by the
// caller (mutable builders keep the first-seen offset; repack keeps the
// first-seen occurrence across its inputs) — Build itself does not
// deduplicate.
func Build(kind Kind, entries []Entry) ([]byte, [20]byte, error) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Node[:], entries[j].Node[:]) < 0
	})

	large := len(entries) >= LargeFanoutThreshold
	numBuckets := smallFanoutEntries
	if large {
		numBuckets = largeFanoutEntries
	}

	fanout := make([]uint32, numBuckets)
	for _, e := range entries {
		b := bucketOf(e.Node, large)
		fanout[b]++
	}
	// convert counts to cumulative counts
	var running uint32
	for i := range fanout {
		running += fanout[i]
		fanout[i] = running
	}

	buf := new(bytes.Buffer)
	config := byte(0)
	if large {
		config |= configLargeFanout
	}
	buf.WriteByte(Magic)
	buf.WriteByte(byte(kind))
	buf.WriteByte(config)
	for _, c := range fanout {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], c)
		buf.Write(b[:])
	}
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(entries)))
	buf.Write(countBuf[:])
	for _, e := range entries {
		buf.Write(e.Node[:])
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], e.Offset)
		buf.Write(off[:])
	}

	sum := Digest(buf.Bytes())
	buf.Write(sum[:])

	return buf.Bytes(), sum, nil
}

// WriteFile writes a built index (as returned by Build) to path.
func WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func bucketOf(node key.Node, large bool) int {
	if large {
		return int(node[0])<<8 | int(node[1])
	}
	return int(node[0])
}
