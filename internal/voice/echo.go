package voice

import "strings"

// Similarity scores how much a recognized transcript overlaps another
// utterance, as the fraction of significant words (longer than two runes) in
// the shorter string that substring-match some word of the longer string, in
// either direction. This is a coarse text heuristic for catching the
// microphone picking up the companion's own reply, not acoustic matching.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}

	shorter, longer := a, b
	if len(longer) < len(shorter) {
		shorter, longer = longer, shorter
	}
	longerWords := strings.Fields(longer)

	matched, considered := 0, 0
	for _, w := range strings.Fields(shorter) {
		if len(w) <= 2 {
			continue
		}
		considered++
		for _, lw := range longerWords {
			if strings.Contains(lw, w) || strings.Contains(w, lw) {
				matched++
				break
			}
		}
	}
	if considered == 0 {
		return 0
	}
	return float64(matched) / float64(considered)
}
