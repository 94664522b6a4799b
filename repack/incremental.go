package repack

// GenerationBytes and GenerationGrowthRatio are the implementation-chosen
// constants §4.7 leaves open; see SPEC_FULL.md Open Question Decisions.
const (
	GenerationBytes       = 100 * 1024 * 1024
	GenerationGrowthRatio = 2
)

// SelectIncremental implements the §4.7 incremental-repack size filter: it
// looks for the set of small packs worth merging without rewriting large
// ones, raising the threshold until the qualifying subset stops growing.
// Once the subset stabilizes it is returned as-is (even if its total is
// still under threshold — repacking a handful of small packs is cheap
// regardless); a subset that stabilizes at empty means nothing qualifies
// and the caller should treat the repack as a no-op.
func SelectIncremental(sizes []int64) []int {
	if len(sizes) == 0 {
		return nil
	}
	minSize := sizes[0]
	for _, s := range sizes[1:] {
		if s < minSize {
			minSize = s
		}
	}
	threshold := int64(GenerationBytes)
	if alt := minSize * GenerationGrowthRatio; alt > threshold {
		threshold = alt
	}

	candidates := belowThreshold(sizes, threshold)
	for iter := 0; iter < len(sizes)+2; iter++ {
		if total := sumAt(sizes, candidates); total >= threshold {
			return candidates
		}
		nextThreshold := threshold * GenerationGrowthRatio
		next := belowThreshold(sizes, nextThreshold)
		if sameSet(candidates, next) {
			if len(candidates) == 0 {
				return nil
			}
			return candidates
		}
		candidates, threshold = next, nextThreshold
	}
	return nil
}

func belowThreshold(sizes []int64, threshold int64) []int {
	var idx []int
	for i, s := range sizes {
		if s < threshold {
			idx = append(idx, i)
		}
	}
	return idx
}

func sumAt(sizes []int64, idx []int) int64 {
	var total int64
	for _, i := range idx {
		total += sizes[i]
	}
	return total
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
