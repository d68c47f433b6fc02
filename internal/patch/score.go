package patch

import "strings"

// Score computes the soft-verification recall of p1 inside p2: the fraction
// of p1's added lines that also appear as added lines anywhere in p2, using
// multiset intersection counts. File and position are ignored. Lines are
// compared after trimming trailing whitespace; leading indentation is
// significant. A patch with no added lines scores 0.
//
// The measure is directional: Score(p1, p2) is recall of p1's content, not a
// symmetric overlap.
func Score(p1, p2 ChangeSet) float64 {
	added1 := p1.AddedLines()
	if len(added1) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, line := range p2.AddedLines() {
		counts[normalizeLine(line)]++
	}
	hits := 0
	for _, line := range added1 {
		key := normalizeLine(line)
		if counts[key] > 0 {
			counts[key]--
			hits++
		}
	}
	return float64(hits) / float64(len(added1))
}

func normalizeLine(s string) string {
	return strings.TrimRight(s, " \t")
}
