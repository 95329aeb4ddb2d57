// Package resolve decides whether extracted names refer to characters already on the roster.
package resolve

import (
	"cmp"
	"slices"
	"strings"

	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// Index maps every roster name and alias to the position of its record.
type Index map[string]int

func NewIndex(records []schema.Record) Index {
	idx := make(Index, len(records)*2)
	for i, r := range records {
		for _, n := range r.Names() {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if _, ok := idx[n]; !ok {
				idx[n] = i
			}
		}
	}
	return idx
}

// Lookup returns the record position owning any of names.
func (idx Index) Lookup(names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := idx[strings.TrimSpace(n)]; ok {
			return i, true
		}
	}
	return 0, false
}

// Classify splits candidates into those unknown to the roster and those whose name or
// any alias is already a roster name or alias. Input order is kept in both outputs.
func Classify(candidates []schema.Candidate, records []schema.Record) (fresh, existing []schema.Candidate) {
	idx := NewIndex(records)
	for _, c := range candidates {
		if _, ok := idx.Lookup(c.Names()...); ok {
			existing = append(existing, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	return fresh, existing
}

// FindRecord looks a name up by exact record name first, then by alias.
func FindRecord(records []schema.Record, name string) (schema.Record, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return schema.Record{}, false
	}
	for _, r := range records {
		if r.Name == name {
			return r, true
		}
	}
	for _, r := range records {
		if slices.Contains(r.Aliases, name) {
			return r, true
		}
	}
	return schema.Record{}, false
}

// Match is a roster name that looks like a candidate name.
type Match struct {
	Name       string
	Similarity float64
}

// NearMatches lists roster names and aliases at least threshold similar to name, best first.
func NearMatches(name string, records []schema.Record, threshold float64) []Match {
	var out []Match
	seen := map[string]struct{}{}
	for _, r := range records {
		for _, n := range r.Names() {
			if _, ok := seen[n]; ok || n == name {
				continue
			}
			seen[n] = struct{}{}
			if s := utils.Similarity(name, n); s >= threshold {
				out = append(out, Match{Name: n, Similarity: s})
			}
		}
	}
	slices.SortStableFunc(out, func(a, b Match) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	return out
}

// MergeCandidates folds updates into base by name, unioning aliases. A name never
// appears among its own aliases.
func MergeCandidates(base, updates []schema.Candidate) []schema.Candidate {
	idx := make(map[string]int, len(base))
	out := make([]schema.Candidate, 0, len(base)+len(updates))
	for _, c := range append(slices.Clone(base), updates...) {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		i, ok := idx[name]
		if !ok {
			out = append(out, schema.Candidate{Name: name})
			i = len(out) - 1
			idx[name] = i
		}
		aliases := utils.UniqueStrings(out[i].Aliases, c.Aliases)
		out[i].Aliases = slices.DeleteFunc(aliases, func(a string) bool { return a == name })
	}
	return out
}
