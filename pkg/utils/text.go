package utils

import (
	"strings"
	"unicode"
)

// TokenizeWords splits s into runs of spaces, words and punctuation.
// Han characters are emitted one per token since Chinese has no word spacing.
func TokenizeWords(s string) []string {
	var out []string
	var cur []rune
	kind := -1 // 0=space,1=word,2=punct,3=han
	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, string(cur))
		cur = cur[:0]
	}
	for _, r := range s {
		k := 2
		switch {
		case unicode.IsSpace(r):
			k = 0
		case unicode.Is(unicode.Han, r):
			k = 3
		case unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' || r == '-' || r == '\'':
			k = 1
		}
		if kind == -1 {
			kind = k
		}
		if k != kind || k == 3 {
			flush()
			kind = k
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

// UniqueStrings trims, drops empties and removes duplicates, keeping first-seen order.
func UniqueStrings(in ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range in {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
