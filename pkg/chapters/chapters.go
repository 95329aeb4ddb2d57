// Package chapters orders chapter files by the chapter number embedded in their names.
package chapters

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Unnumbered is the ordinal given to files with no recognizable chapter number.
const Unnumbered = 999999

var ErrNoChapters = errors.New("no chapter files found")

// Ref is a chapter file and its derived ordinal. Ordinals are never persisted.
type Ref struct {
	FileName string
	Ordinal  int
}

var (
	chineseRX  = regexp.MustCompile(`第([零〇一二两三四五六七八九十百千万0-9]+)章`)
	chapterRX  = regexp.MustCompile(`(?i)chapter[^0-9]*([0-9]+)`)
	leadingRX  = regexp.MustCompile(`^([0-9]+)`)
	trailingRX = regexp.MustCompile(`([0-9]+)[^0-9]*$`)
)

// Number extracts the chapter ordinal from a file name or path.
func Number(name string) int {
	base := toHalfWidth(filepath.Base(name))

	if m := chineseRX.FindStringSubmatch(base); m != nil {
		if n, ok := ChineseToInt(m[1]); ok {
			return n
		}
	}
	for _, rx := range []*regexp.Regexp{chapterRX, leadingRX, trailingRX} {
		if m := rx.FindStringSubmatch(base); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	return Unnumbered
}

var digits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var units = map[rune]int{'十': 10, '百': 100, '千': 1000}

// ChineseToInt converts Chinese (or Arabic) numerals up to the 万 range.
// A unit with no preceding digit counts as one of that unit, so 十二 is 12.
func ChineseToInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}

	total, section, temp := 0, 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			temp = temp*10 + int(r-'0')
		case r == '万':
			total += (section + temp) * 10000
			section, temp = 0, 0
		default:
			if d, ok := digits[r]; ok {
				temp = temp*10 + d
				continue
			}
			u, ok := units[r]
			if !ok {
				return 0, false
			}
			section += max(temp, 1) * u
			temp = 0
		}
	}
	return total + section + temp, true
}

// Order sorts names by chapter ordinal. Equal ordinals keep their input order.
func Order(names []string) []string {
	refs := Sort(names)
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.FileName
	}
	return out
}

// Sort returns names as Refs in reading order.
func Sort(names []string) []Ref {
	refs := make([]Ref, len(names))
	for i, n := range names {
		refs[i] = Ref{FileName: n, Ordinal: Number(n)}
	}
	slices.SortStableFunc(refs, func(a, b Ref) int {
		return cmp.Compare(a.Ordinal, b.Ordinal)
	})
	return refs
}

// List returns the .txt file names in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chapter dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChapters, dir)
	}
	return names, nil
}

func toHalfWidth(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return r - '０' + '0'
		}
		return r
	}, s)
}
