// Package diff renders word-level differences between roster and card revisions.
package diff

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aryann/difflib"

	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

type ChangeType int

const (
	Unchanged ChangeType = iota
	Added
	Removed
	Modified
)

type Op int

const (
	Equal Op = iota
	Insert
	Delete
)

type WordDelta struct {
	Op   Op
	Text string
}

type StringDiff struct {
	Old    string
	New    string
	Deltas []WordDelta
}

type FieldDiff struct {
	Path string
	Str  StringDiff
}

// RecordDiff describes how one roster row changed.
type RecordDiff struct {
	Name       string
	State      ChangeType
	FieldDiffs []FieldDiff
	AliasAdd   []string
	AliasDel   []string
}

// StageDiff describes how one timeline stage of a card changed.
type StageDiff struct {
	Key         string
	State       ChangeType
	FeatureAdd  []string
	FeatureDel  []string
	FeatureEd   []StringDiff
	ClothingAdd []string
	ItemsAdd    []string
	FieldDiffs  []FieldDiff
}

type CardDiff struct {
	Name   string
	State  ChangeType
	Stages []StageDiff
}

func (d RecordDiff) Changed() bool { return d.State != Unchanged }

func recordFields(r schema.Record) [][2]string {
	return [][2]string{
		{"性别", r.Gender},
		{"外貌特征", r.Appearance},
		{"服装特点", r.Clothing},
		{"角色类型", r.RoleType},
		{"外貌提示词", r.AppearancePrompt},
	}
}

// Record compares two revisions of the same roster row. A zero prev means the row is new.
func Record(prev, next schema.Record) RecordDiff {
	if prev.Name == "" {
		fd := make([]FieldDiff, 0, 5)
		for _, f := range recordFields(next) {
			if f[1] != "" {
				fd = append(fd, FieldDiff{Path: f[0], Str: strEq("", f[1])})
			}
		}
		return RecordDiff{Name: next.Name, State: Added, FieldDiffs: fd, AliasAdd: slices.Clone(next.Aliases)}
	}

	var fd []FieldDiff
	of, nf := recordFields(prev), recordFields(next)
	for i := range of {
		if of[i][1] != nf[i][1] {
			fd = append(fd, FieldDiff{Path: of[i][0], Str: strDiff(of[i][1], nf[i][1])})
		}
	}
	adds, dels := diffStringSet(prev.Aliases, next.Aliases)

	state := Unchanged
	if len(fd) > 0 || len(adds) > 0 || len(dels) > 0 || prev.Name != next.Name {
		state = Modified
	}
	return RecordDiff{Name: next.Name, State: state, FieldDiffs: fd, AliasAdd: adds, AliasDel: dels}
}

// Roster compares two roster revisions record by record, keyed by name.
func Roster(oldR, newR []schema.Record) []RecordDiff {
	omap := make(map[string]schema.Record, len(oldR))
	for _, r := range oldR {
		omap[r.Name] = r
	}
	seen := make(map[string]struct{}, len(newR))

	var out []RecordDiff
	for _, n := range newR {
		seen[n.Name] = struct{}{}
		d := Record(omap[n.Name], n)
		if d.Changed() {
			out = append(out, d)
		}
	}
	for _, o := range oldR {
		if _, ok := seen[o.Name]; !ok {
			out = append(out, RecordDiff{Name: o.Name, State: Removed})
		}
	}
	slices.SortStableFunc(out, func(a, b RecordDiff) int { return cmp.Compare(a.State, b.State) })
	return out
}

// Card compares a card before and after a merge. A nil prev means the card is new.
func Card(prev *schema.Card, next schema.Card) CardDiff {
	out := CardDiff{Name: next.Name, State: Modified}
	var old schema.Timeline
	if prev == nil {
		out.State = Added
	} else {
		old = prev.VisualTimeline
	}

	for _, e := range next.VisualTimeline {
		o, ok := old.Get(e.Key)
		sd := StageDiff{Key: e.Key, State: Modified}
		if !ok {
			sd.State = Added
		}
		sd.FeatureAdd, sd.FeatureDel, sd.FeatureEd = diffStringListSmart(o.CoreFeatures, e.Stage.CoreFeatures)
		sd.ClothingAdd, _ = diffStringSet(o.Clothing, e.Stage.Clothing)
		sd.ItemsAdd, _ = diffStringSet(o.KeyItems, e.Stage.KeyItems)
		if o.Quote != e.Stage.Quote {
			sd.FieldDiffs = append(sd.FieldDiffs, FieldDiff{Path: "quote", Str: strDiff(o.Quote, e.Stage.Quote)})
		}
		if o.Chapters != e.Stage.Chapters {
			sd.FieldDiffs = append(sd.FieldDiffs, FieldDiff{Path: "chapters", Str: strDiff(o.Chapters, e.Stage.Chapters)})
		}
		if ok && len(sd.FeatureAdd)+len(sd.FeatureDel)+len(sd.FeatureEd)+len(sd.ClothingAdd)+len(sd.ItemsAdd)+len(sd.FieldDiffs) == 0 {
			continue
		}
		out.Stages = append(out.Stages, sd)
	}
	if prev != nil && len(out.Stages) == 0 {
		out.State = Unchanged
	}
	return out
}

func strEq(a, b string) StringDiff {
	return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Insert, Text: b}}}
}

func strDiff(a, b string) StringDiff {
	if a == b {
		return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Equal, Text: a}}}
	}
	at := utils.TokenizeWords(a)
	bt := utils.TokenizeWords(b)
	recs := difflib.Diff(at, bt)
	deltas := make([]WordDelta, 0, len(recs))
	for _, r := range recs {
		switch r.Delta {
		case difflib.Common:
			deltas = append(deltas, WordDelta{Op: Equal, Text: r.Payload})
		case difflib.LeftOnly:
			deltas = append(deltas, WordDelta{Op: Delete, Text: r.Payload})
		case difflib.RightOnly:
			deltas = append(deltas, WordDelta{Op: Insert, Text: r.Payload})
		}
	}
	return StringDiff{Old: a, New: b, Deltas: coalesce(deltas)}
}

// coalesce joins neighbouring deltas with the same op; whitespace-only equal runs are
// folded into whatever surrounds them.
func coalesce(in []WordDelta) []WordDelta {
	out := make([]WordDelta, 0, len(in))
	flush := func(op Op, buf *strings.Builder) {
		if buf.Len() == 0 {
			return
		}
		out = append(out, WordDelta{Op: op, Text: buf.String()})
		buf.Reset()
	}
	var curOp Op = -1
	var buf strings.Builder
	for _, d := range in {
		if strings.TrimSpace(d.Text) == "" && d.Op == Equal {
			buf.WriteString(d.Text)
			continue
		}
		if curOp != d.Op && curOp != -1 {
			flush(curOp, &buf)
		}
		curOp = d.Op
		buf.WriteString(d.Text)
	}
	flush(curOp, &buf)
	return out
}

func diffStringSet(a, b []string) (adds, dels []string) {
	for _, s := range b {
		if !slices.Contains(a, s) {
			adds = append(adds, s)
		}
	}
	for _, s := range a {
		if !slices.Contains(b, s) {
			dels = append(dels, s)
		}
	}
	return adds, dels
}

func diffStringListSmart(a, b []string) (adds, dels []string, edits []StringDiff) {
	usedB := make([]bool, len(b))
	for _, as := range a {
		bestJ, best := -1, 0.0
		for j, bs := range b {
			if usedB[j] {
				continue
			}
			s := utils.Similarity(as, bs)
			if s > best {
				bestJ, best = j, s
			}
		}
		if bestJ >= 0 && best >= 0.70 {
			if as != b[bestJ] {
				edits = append(edits, strDiff(as, b[bestJ]))
			}
			usedB[bestJ] = true
		} else {
			dels = append(dels, as)
		}
	}
	for j, bs := range b {
		if !usedB[j] {
			adds = append(adds, bs)
		}
	}
	return
}

const (
	ansiReset = "\x1b[0m"
	fgGreen   = "\x1b[32m"
	fgRed     = "\x1b[31m"
	fgYellow  = "\x1b[33m"
	fgCyan    = "\x1b[36m"
	faint     = "\x1b[2m"
	uline     = "\x1b[4m"
	strike    = "\x1b[9m"
)

var tags = map[ChangeType]string{
	Added:     fgGreen + "[+]" + ansiReset,
	Removed:   fgRed + "[-]" + ansiReset,
	Modified:  fgYellow + "[~]" + ansiReset,
	Unchanged: faint + "[=]" + ansiReset,
}

func renderStringDiff(sd StringDiff) string {
	var b strings.Builder
	for _, d := range sd.Deltas {
		switch d.Op {
		case Equal:
			b.WriteString(d.Text)
		case Insert:
			fmt.Fprintf(&b, "%s%s%s%s", fgGreen, uline, d.Text, ansiReset)
		case Delete:
			fmt.Fprintf(&b, "%s%s%s%s", fgRed, strike, d.Text, ansiReset)
		}
	}
	return b.String()
}

func (d RecordDiff) Print(w io.Writer) {
	fmt.Fprintf(w, "  %s %s\n", tags[d.State], d.Name)
	for _, f := range d.FieldDiffs {
		fmt.Fprintf(w, "    %s: %s\n", f.Path, renderStringDiff(f.Str))
	}
	for _, s := range d.AliasDel {
		fmt.Fprintf(w, "    别名: %s%s%s%s\n", fgRed, strike, s, ansiReset)
	}
	for _, s := range d.AliasAdd {
		fmt.Fprintf(w, "    别名: %s%s%s%s\n", fgGreen, uline, s, ansiReset)
	}
}

func (d CardDiff) Print(w io.Writer) {
	fmt.Fprintf(w, "  %s %s\n", tags[d.State], d.Name)
	for _, s := range d.Stages {
		fmt.Fprintf(w, "    %s %s%s%s\n", tags[s.State], fgCyan, s.Key, ansiReset)
		for _, f := range s.FeatureDel {
			fmt.Fprintf(w, "      feature: %s%s%s%s\n", fgRed, strike, f, ansiReset)
		}
		for _, f := range s.FeatureAdd {
			fmt.Fprintf(w, "      feature: %s%s%s%s\n", fgGreen, uline, f, ansiReset)
		}
		for _, sd := range s.FeatureEd {
			fmt.Fprintf(w, "      feature*: %s\n", renderStringDiff(sd))
		}
		for _, c := range s.ClothingAdd {
			fmt.Fprintf(w, "      clothing: %s%s%s%s\n", fgGreen, uline, c, ansiReset)
		}
		for _, it := range s.ItemsAdd {
			fmt.Fprintf(w, "      item: %s%s%s%s\n", fgGreen, uline, it, ansiReset)
		}
		for _, f := range s.FieldDiffs {
			fmt.Fprintf(w, "      %s: %s\n", f.Path, renderStringDiff(f.Str))
		}
	}
}

// Print writes a roster change listing with ANSI colouring.
func Print(w io.Writer, diffs []RecordDiff) {
	if len(diffs) == 0 {
		return
	}
	fmt.Fprintln(w, fgCyan+"Roster"+ansiReset)
	for _, d := range diffs {
		d.Print(w)
	}
}
