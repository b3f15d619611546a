package watch

import "strings"

// DefaultSampleSize bounds the added/removed samples kept on a Delta.
const DefaultSampleSize = 10

// Diff compares two contents line by line using set membership: a line
// counts as added when it appears anywhere in newContent but nowhere in
// oldContent, and removed the other way round. Order and repetition are
// ignored beyond that, so this is not a minimal edit script.
//
// Lookups go through a hashed set, so the cost is O(n+m) rather than the
// O(n·m) of scanning the other sequence per line.
func Diff(oldContent, newContent string, sampleSize int) Delta {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	added := missingFrom(newLines, lineSet(oldLines))
	removed := missingFrom(oldLines, lineSet(newLines))

	return Delta{
		Added:        sample(added, sampleSize),
		Removed:      sample(removed, sampleSize),
		TotalAdded:   len(added),
		TotalRemoved: len(removed),
	}
}

func lineSet(lines []string) map[string]struct{} {
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[l] = struct{}{}
	}
	return set
}

// missingFrom keeps every line of lines (duplicates included, in order)
// that does not occur in other.
func missingFrom(lines []string, other map[string]struct{}) []string {
	var out []string
	for _, l := range lines {
		if _, ok := other[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}

func sample(lines []string, n int) []string {
	if len(lines) > n {
		lines = lines[:n]
	}
	return append([]string{}, lines...)
}
