// Package indexedlog implements the rotating, append-only log (C6): an
// alternative write path to the pack store. Shards rotate on size, the
// oldest shard is dropped once the shard count exceeds its cap, and each
// entry's payload is stored LZ4-compressed. Modeled on the Rust
// IndexedLogDataStore (see SPEC_FULL.md) for the wire format, and on the
// teacher's primary-storage lifecycle (bufio-buffered append, explicit
// Flush/Sync/Close) for the Go shape.
package indexedlog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	revisionstore "github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

var log = logging.Logger("revisionstore/indexedlog")

const (
	defaultMaxLogCount    = 10
	defaultMaxBytesPerLog = 1 * 1024 * 1024 * 1024
)

var shardFileRe = regexp.MustCompile(`^shard-(\d{6})\.log$`)

// Option configures a Log at open time.
type Option func(*config)

type config struct {
	maxShards     int
	maxShardBytes uint64
}

// WithMaxShards overrides the default shard-count cap (default 10).
func WithMaxShards(n int) Option {
	return func(c *config) { c.maxShards = n }
}

// WithMaxShardBytes overrides the default per-shard size cap (default 1 GiB).
func WithMaxShardBytes(n uint64) Option {
	return func(c *config) { c.maxShardBytes = n }
}

// Log is a directory-backed rotating log with a node-keyed in-memory
// index per shard. Only one writer may use a Log at a time.
type Log struct {
	dir           string
	maxShards     int
	maxShardBytes uint64
	shards        []*shard // oldest first; last is active
	closed        bool
}

// Open opens or creates a Log rooted at dir, scanning existing shards (if
// any) to rebuild their indexes.
func Open(dir string, opts ...Option) (*Log, error) {
	cfg := config{maxShards: defaultMaxLogCount, maxShardBytes: defaultMaxBytesPerLog}
	for _, o := range opts {
		o(&cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	nums, err := existingShardNums(dir)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		nums = []int{0}
	}

	l := &Log{dir: dir, maxShards: cfg.maxShards, maxShardBytes: cfg.maxShardBytes}
	for _, n := range nums {
		s, err := openShard(dir, n)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		l.shards = append(l.shards, s)
	}
	return l, nil
}

func existingShardNums(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &revisionstore.Io{Path: dir, Err: err}
	}
	var nums []int
	for _, e := range entries {
		m := shardFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (l *Log) active() *shard {
	return l.shards[len(l.shards)-1]
}

// Add appends delta's full content with its metadata. Deltas with a base
// are rejected: the rotating log only ever stores full payloads.
func (l *Log) Add(delta key.Delta, meta key.Metadata) error {
	if l.closed {
		return fmt.Errorf("indexedlog: add after close")
	}
	if delta.Base != nil {
		return revisionstore.InvalidWrite
	}

	entry, err := encodeEntry(delta.Key, meta, delta.Data)
	if err != nil {
		return err
	}

	if l.active().size+uint64(len(entry)) > l.maxShardBytes && l.active().size > 0 {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	return l.active().append(delta.Key.Node, entry)
}

// rotate flushes the active shard (keeping it open for reads), opens a
// new one, and closes and deletes the oldest shard once the count exceeds
// maxShards.
func (l *Log) rotate() error {
	if err := l.active().flush(); err != nil {
		return err
	}
	next := l.active().num + 1
	s, err := openShard(l.dir, next)
	if err != nil {
		return err
	}
	l.shards = append(l.shards, s)

	for len(l.shards) > l.maxShards {
		dropped := l.shards[0]
		l.shards = l.shards[1:]
		if err := dropped.close(); err != nil {
			return err
		}
		if err := os.Remove(dropped.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	log.Debugf("rotated indexed log %s to shard %d", l.dir, next)
	return nil
}

// Flush persists buffered appends for the active shard.
func (l *Log) Flush() error {
	return l.active().flush()
}

// Close flushes and releases every shard handle.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeAll()
}

func (l *Log) closeAll() error {
	var firstErr error
	for _, s := range l.shards {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// find returns the decoded entry for k, searching shards newest-first so
// a later write shadows an earlier one across a rotation boundary.
func (l *Log) find(k key.Key) (decodedEntry, error) {
	for i := len(l.shards) - 1; i >= 0; i-- {
		s := l.shards[i]
		loc, ok := s.index[k.Node]
		if !ok {
			continue
		}
		buf, err := s.readAt(loc)
		if err != nil {
			return decodedEntry{}, err
		}
		entry, err := decodeEntry(s.path, buf)
		if err != nil {
			return decodedEntry{}, err
		}
		return entry, nil
	}
	return decodedEntry{}, &revisionstore.NotFound{Key: k}
}

// GetDelta decompresses and returns k's payload as a base-less Delta.
func (l *Log) GetDelta(k key.Key) (key.Delta, error) {
	entry, err := l.find(k)
	if err != nil {
		return key.Delta{}, err
	}
	content, err := entry.content()
	if err != nil {
		return key.Delta{}, err
	}
	return key.Delta{Key: entry.key, Data: content}, nil
}

// GetDeltaChain always returns a single-element chain: the log only
// stores full payloads.
func (l *Log) GetDeltaChain(k key.Key) ([]key.Delta, error) {
	d, err := l.GetDelta(k)
	if err != nil {
		return nil, err
	}
	return []key.Delta{d}, nil
}

// Get returns k's full content.
func (l *Log) Get(k key.Key) ([]byte, error) {
	d, err := l.GetDelta(k)
	if err != nil {
		return nil, err
	}
	return d.Data, nil
}

// GetMeta returns k's metadata without decompressing its payload.
func (l *Log) GetMeta(k key.Key) (key.Metadata, error) {
	entry, err := l.find(k)
	if err != nil {
		return key.Metadata{}, err
	}
	return entry.meta, nil
}

// GetMissing returns the keys not indexed in any surviving shard.
func (l *Log) GetMissing(keys []key.Key) ([]key.Key, error) {
	var missing []key.Key
	for _, k := range keys {
		found := false
		for _, s := range l.shards {
			if _, ok := s.index[k.Node]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Dir reports the directory this log is rooted at.
func (l *Log) Dir() string { return l.dir }
