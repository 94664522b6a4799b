// Package repack implements the consolidation pipeline (C8): gather
// candidate packs from a source directory, optionally filter them with
// the incremental heuristic, merge their entries with first-occurrence
// de-duplication, and publish the result as one new pack via the C5
// builders. Grounded on the teacher's directory-scan idioms
// (os.ReadDir + extension filtering, as in indexes/*_test.go) and on
// dustin/go-humanize for the log lines a real repack run would want.
package repack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"

	"github.com/basinhub/revisionstore/datapack"
	"github.com/basinhub/revisionstore/historypack"
	"github.com/basinhub/revisionstore/key"
	"github.com/basinhub/revisionstore/packbuilder"
)

var log = logging.Logger("revisionstore/repack")

// Mode selects whether repack considers every candidate pack or only
// the subset the incremental heuristic selects.
type Mode int

const (
	// Full repacks every candidate pack in the source directory.
	Full Mode = iota
	// Incremental repacks only the subset SelectIncremental chooses.
	Incremental
)

// discoverStems lists the distinct content-addressed stems in dir that
// have a file named "<stem>.<packExt>", sorted for determinism.
func discoverStems(dir, packExt string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	suffix := "." + packExt
	var stems []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			stems = append(stems, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	sort.Strings(stems)
	return stems, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// selectStems applies mode's filter to the sorted stems found in dir.
// A nil, nil result means "no-op": no output should be produced.
func selectStems(dir, packExt string, mode Mode) ([]string, error) {
	stems, err := discoverStems(dir, packExt)
	if err != nil {
		return nil, err
	}
	if len(stems) == 0 {
		return nil, nil
	}
	if mode == Full {
		return stems, nil
	}

	sizes := make([]int64, len(stems))
	for i, stem := range stems {
		sz, err := fileSize(filepath.Join(dir, stem+"."+packExt))
		if err != nil {
			return nil, err
		}
		sizes[i] = sz
	}
	idx := SelectIncremental(sizes)
	if idx == nil {
		return nil, nil
	}
	selected := make([]string, len(idx))
	for i, si := range idx {
		selected[i] = stems[si]
	}
	return selected, nil
}

// DataPacks merges the data packs selected by mode from srcDir into a new
// pack in dstDir, returning its paths. Empty paths with a nil error mean
// the repack was a no-op (nothing selected).
func DataPacks(srcDir, dstDir string, mode Mode) (packPath, idxPath string, err error) {
	stems, err := selectStems(srcDir, "datapack", mode)
	if err != nil {
		return "", "", err
	}
	if len(stems) == 0 {
		log.Debugf("repack: no data packs selected in %s", srcDir)
		return "", "", nil
	}

	b, err := packbuilder.NewDataPackBuilder(dstDir)
	if err != nil {
		return "", "", err
	}
	seen := make(map[key.Node]bool)

	var mergedBytes uint64
	for _, stem := range stems {
		pp := filepath.Join(srcDir, stem+".datapack")
		ip := filepath.Join(srcDir, stem+".dataidx")
		pack, err := datapack.Open(pp, ip)
		if err != nil {
			b.Cancel()
			return "", "", err
		}

		entries, err := pack.Entries()
		if err != nil {
			pack.Close()
			b.Cancel()
			return "", "", err
		}
		for _, e := range entries {
			d, meta, err := pack.RecordAt(e.Offset)
			if err != nil {
				pack.Close()
				b.Cancel()
				return "", "", err
			}
			if seen[d.Key.Node] {
				continue
			}
			seen[d.Key.Node] = true
			if err := b.Add(d, meta); err != nil {
				pack.Close()
				b.Cancel()
				return "", "", err
			}
			mergedBytes += uint64(len(d.Data))
		}
		pack.Close()
	}

	packPath, idxPath, err = b.Finalize()
	if err != nil {
		return "", "", err
	}
	log.Debugf("repack: merged %d data packs into %s (%s of content)", len(stems), filepath.Base(packPath), humanize.Bytes(mergedBytes))
	return packPath, idxPath, nil
}

// historyKey disambiguates history entries the way C4's index does: by
// (path, node), since the same node could in principle appear under two
// paths.
type historyKey struct {
	path string
	node key.Node
}

// HistoryPacks merges the history packs selected by mode from srcDir
// into a new pack in dstDir.
func HistoryPacks(srcDir, dstDir string, mode Mode) (packPath, idxPath string, err error) {
	stems, err := selectStems(srcDir, "histpack", mode)
	if err != nil {
		return "", "", err
	}
	if len(stems) == 0 {
		log.Debugf("repack: no history packs selected in %s", srcDir)
		return "", "", nil
	}

	b, err := packbuilder.NewHistoryPackBuilder(dstDir)
	if err != nil {
		return "", "", err
	}
	seen := make(map[historyKey]bool)

	var count int
	for _, stem := range stems {
		pp := filepath.Join(srcDir, stem+".histpack")
		ip := filepath.Join(srcDir, stem+".histidx")
		pack, err := historypack.Open(pp, ip)
		if err != nil {
			return "", "", err
		}

		keys, infos, err := pack.Entries()
		if err != nil {
			pack.Close()
			return "", "", err
		}
		for i, k := range keys {
			hk := historyKey{path: string(k.Path), node: k.Node}
			if seen[hk] {
				continue
			}
			seen[hk] = true
			if err := b.Add(k, infos[i]); err != nil {
				pack.Close()
				return "", "", err
			}
			count++
		}
		pack.Close()
	}

	packPath, idxPath, err = b.Finalize()
	if err != nil {
		return "", "", err
	}
	log.Debugf("repack: merged %d history packs into %s (%s entries)", len(stems), filepath.Base(packPath), fmt.Sprint(count))
	return packPath, idxPath, nil
}
