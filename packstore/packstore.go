// Package packstore implements the directory-backed multi-pack front
// (C7): on-demand discovery of pack/index pairs, an open-handle cache,
// throttled rescans, and a configurable corruption policy. Grounded on
// the teacher's store.Store (functional-options OpenStore, mutex-guarded
// shared state, ipfs/go-log logging) generalized from a single primary
// file to a directory of many packs.
package packstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/basinhub/revisionstore"
	"github.com/basinhub/revisionstore/key"
)

var log = logging.Logger("revisionstore/packstore")

// CorruptionPolicy governs what happens when a pack fails to open.
type CorruptionPolicy int

const (
	// Ignore skips a pack that fails to open, remembering its stem so it
	// is not retried on every lookup.
	Ignore CorruptionPolicy = iota
	// Remove deletes both files of a pack that fails to open.
	Remove
)

// PackReader is the subset of datapack.Pack / historypack.Pack that
// packstore needs: releasing the handle. Opening by path pair goes
// through an Opener.
type PackReader interface {
	Close() error
}

// Opener opens one pack+index pair, returning a handle satisfying
// whatever read contract the caller needs (datapack.Open or
// historypack.Open, typically wrapped to return PackReader).
type Opener func(packPath, idxPath string) (PackReader, error)

const defaultRescanInterval = 5 * time.Second

// Option configures a Store at open time.
type Option func(*config)

type config struct {
	rescanInterval time.Duration
	policy         CorruptionPolicy
	clock          clock.Clock
}

// WithRescanInterval overrides the minimum duration between directory
// rescans triggered by a lookup miss (default 5s).
func WithRescanInterval(d time.Duration) Option {
	return func(c *config) { c.rescanInterval = d }
}

// WithCorruptionPolicy overrides the default (Ignore) policy.
func WithCorruptionPolicy(p CorruptionPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithClock injects a clock, for deterministic rescan-throttling tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

type packEntry struct {
	stem string
	pack PackReader
}

// Store fronts a directory of content-addressed pack/index pairs.
type Store struct {
	dir        string
	packExt    string
	idxExt     string
	opener     Opener
	lookupFn   func(PackReader, key.Key) (uint64, bool, error)
	rescanSF   singleflight.Group
	cfg        config
	mu         sync.Mutex
	open       map[string]*packEntry // stem -> open handle
	ignored    map[string]bool       // stem -> failed-to-open, skip
	lastScan   time.Time
	everLooked bool
}

// LocalCheck is implemented by a pack handle to answer "is k present"
// without fully decoding a record; datapack.Pack and historypack.Pack
// both satisfy this via their GetMissing method composed over one key.
type LocalCheck func(PackReader, key.Key) (bool, error)

// Open creates a Store rooted at dir. packExt/idxExt are the bare
// extensions (e.g. "datapack", "dataidx") used both for discovery and
// for get_metrics. opener opens one pack+index pair by path.
func Open(dir, packExt, idxExt string, opener Opener, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("packstore: mkdir %s: %v", dir, err)
		return nil, &revisionstore.Io{Path: dir, Err: err}
	}
	cfg := config{rescanInterval: defaultRescanInterval, policy: Ignore, clock: clock.New()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{
		dir:     dir,
		packExt: packExt,
		idxExt:  idxExt,
		opener:  opener,
		cfg:     cfg,
		open:    make(map[string]*packEntry),
		ignored: make(map[string]bool),
	}, nil
}

// ForceRescan clears the "last scan" timestamp so the next lookup
// rescans the directory immediately, regardless of the configured
// interval.
func (s *Store) ForceRescan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScan = time.Time{}
}

// packPaths returns the filesystem paths for a stem.
func (s *Store) packPaths(stem string) (packPath, idxPath string) {
	return filepath.Join(s.dir, stem+"."+s.packExt), filepath.Join(s.dir, stem+"."+s.idxExt)
}

// rescan discovers stems not yet known (open or ignored) and opens them,
// applying the corruption policy to any that fail. Rescans across
// concurrent callers are coalesced via singleflight so a thundering herd
// of misses only walks the directory once.
func (s *Store) rescan() error {
	_, err, _ := s.rescanSF.Do("rescan", func() (interface{}, error) {
		stems, err := s.discoverStems()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		var toOpen []string
		for _, stem := range stems {
			if s.open[stem] != nil || s.ignored[stem] {
				continue
			}
			toOpen = append(toOpen, stem)
		}
		s.mu.Unlock()

		for _, stem := range toOpen {
			s.openStem(stem)
		}

		s.mu.Lock()
		s.lastScan = s.cfg.clock.Now()
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Store) discoverStems() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warnf("packstore: readdir %s: %v", s.dir, err)
		return nil, &revisionstore.Io{Path: s.dir, Err: err}
	}
	suffix := "." + s.packExt
	var stems []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, suffix) {
			stems = append(stems, strings.TrimSuffix(name, suffix))
		}
	}
	return stems, nil
}

// openStem opens one stem's pack+index pair, applying the corruption
// policy on failure.
func (s *Store) openStem(stem string) {
	packPath, idxPath := s.packPaths(stem)
	pack, err := s.opener(packPath, idxPath)
	if err != nil {
		log.Debugf("packstore: failed to open %s: %v", stem, err)
		switch s.cfg.policy {
		case Remove:
			os.Remove(packPath)
			os.Remove(idxPath)
		default:
			s.mu.Lock()
			s.ignored[stem] = true
			s.mu.Unlock()
		}
		return
	}
	s.mu.Lock()
	s.open[stem] = &packEntry{stem: stem, pack: pack}
	s.mu.Unlock()
}

// maybeRescan rescans if the interval has elapsed since the last scan,
// or if this is the very first lookup.
func (s *Store) maybeRescan() error {
	s.mu.Lock()
	due := !s.everLooked || s.cfg.clock.Since(s.lastScan) >= s.cfg.rescanInterval
	s.everLooked = true
	s.mu.Unlock()
	if !due {
		return nil
	}
	return s.rescan()
}

// snapshot returns the currently open packs, for iteration without
// holding the lock while reading pack contents.
func (s *Store) snapshot() []*packEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*packEntry, 0, len(s.open))
	for _, e := range s.open {
		out = append(out, e)
	}
	return out
}

// Lookup finds the first pack (in arbitrary order) answering present for
// k using check. On a miss it calls maybeRescan once, which rescans only
// if the rescan interval has elapsed, and then retries before giving up.
func (s *Store) Lookup(k key.Key, check LocalCheck) (PackReader, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for _, e := range s.snapshot() {
			ok, err := check(e.pack, k)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return e.pack, true, nil
			}
		}
		if attempt == 0 {
			if err := s.maybeRescan(); err != nil {
				return nil, false, err
			}
		}
	}
	return nil, false, nil
}

// GetMissing returns the subset of keys absent from every open pack. It
// first calls maybeRescan, so newly-arrived packs are considered once the
// rescan interval has elapsed.
func (s *Store) GetMissing(keys []key.Key, check LocalCheck) ([]key.Key, error) {
	if err := s.maybeRescan(); err != nil {
		return nil, err
	}
	packs := s.snapshot()
	var missing []key.Key
	for _, k := range keys {
		found := false
		for _, e := range packs {
			ok, err := check(e.pack, k)
			if err != nil {
				return nil, err
			}
			if ok {
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

// Metrics reports the number of pack/index pairs and their total size on
// disk, scanning the directory directly rather than relying on the open
// cache. Any scan error yields (0, 0), matching get_metrics's
// never-propagate-errors contract.
type Metrics struct {
	NumPacks      uint64
	TotalPackSize uint64
}

func (s *Store) Metrics() Metrics {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Metrics{}
	}
	var count uint64
	var total uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, "."+s.packExt) && !strings.HasSuffix(name, "."+s.idxExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return Metrics{}
		}
		count++
		total += uint64(info.Size())
	}
	return Metrics{NumPacks: count / 2, TotalPackSize: total}
}

// Close releases every open pack handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, e := range s.open {
		if err := e.pack.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.open = make(map[string]*packEntry)
	return firstErr
}
