package util

import (
	"sort"
	"strings"
)

// Truncate cuts s to at most maxRunes runes, preferring a word boundary.
func Truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return s
	}
	cut := string(runes[:maxRunes])
	if i := strings.LastIndexAny(cut, " \n\t"); i > maxRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// Snippet collapses whitespace and shortens s for display.
func Snippet(s string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 240
	}
	s = strings.Join(strings.Fields(SanitizeText(s)), " ")
	if len([]rune(s)) <= maxRunes {
		return s
	}
	return Truncate(s, maxRunes) + "..."
}

// EvidenceSnippet picks the sentences of chunk that share the most terms with
// question.
func EvidenceSnippet(chunk, question string, maxRunes int) string {
	terms := queryTerms(question)
	sentences := splitSentences(strings.Join(strings.Fields(chunk), " "))
	if len(terms) == 0 || len(sentences) < 2 {
		return Snippet(chunk, maxRunes)
	}

	type scored struct {
		pos   int
		score int
	}
	list := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		low := strings.ToLower(s)
		n := 0
		for _, t := range terms {
			if strings.Contains(low, t) {
				n++
			}
		}
		list = append(list, scored{pos: i, score: n})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if list[0].score == 0 {
		return Snippet(chunk, maxRunes)
	}
	picked := []int{list[0].pos}
	if list[1].score > 0 {
		picked = append(picked, list[1].pos)
		sort.Ints(picked)
	}
	parts := make([]string, 0, len(picked))
	for _, p := range picked {
		parts = append(parts, sentences[p])
	}
	return Snippet(strings.Join(parts, " "), maxRunes)
}

func splitSentences(s string) []string {
	out := make([]string, 0, 8)
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if x := strings.TrimSpace(s[start : i+1]); x != "" {
				out = append(out, x)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {},
	"why": {}, "which": {}, "that": {}, "this": {}, "these": {}, "those": {}, "with": {}, "from": {},
	"does": {}, "about": {}, "document": {},
}

func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, f := range strings.Fields(strings.ToLower(q)) {
		f = strings.Trim(f, ",.;:!?()[]{}\"'`")
		if len(f) < 3 {
			continue
		}
		if _, ok := stopWords[f]; ok {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
