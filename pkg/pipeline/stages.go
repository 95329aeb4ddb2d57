package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xueanxi/sharebook/pkg/diff"
	"github.com/xueanxi/sharebook/pkg/profile"
	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

func (o *Orchestrator) read(sel selected) (chapterText, error) {
	data, err := os.ReadFile(sel.Path)
	if err != nil {
		return chapterText{}, fmt.Errorf("read chapter: %w", err)
	}
	text := strings.TrimSpace(string(bytes.TrimPrefix(data, []byte("\ufeff"))))
	if n := utf8.RuneCountInString(text); n < MinChapterRunes {
		return chapterText{}, fmt.Errorf("%w: %d characters", ErrChapterTooShort, n)
	}
	return chapterText{selected: sel, Text: text}, nil
}

func (o *Orchestrator) extract(ctx context.Context, in chapterText) (extracted, error) {
	cands, err := o.extractor.Candidates(ctx, in.Text)
	if err != nil {
		return extracted{}, err
	}
	o.logger.Info("characters extracted", "chapter", in.Ref.FileName, "count", len(cands))
	return extracted{chapterText: in, Candidates: cands}, nil
}

func (o *Orchestrator) resolve(in extracted, roster *store.Roster) resolved {
	fresh, existing := roster.Classify(in.Candidates)
	for _, c := range fresh {
		for _, m := range resolve.NearMatches(c.Name, roster.Records, NearMatchWarning) {
			o.logger.Warn("new character resembles a known name", "name", c.Name, "known", m.Name, "similarity", fmt.Sprintf("%.2f", m.Similarity))
		}
	}
	o.logger.Debug("candidates classified", "chapter", in.Ref.FileName, "new", len(fresh), "existing", len(existing))
	return resolved{extracted: in, Roster: roster, Fresh: fresh, Existing: existing}
}

// analyze describes every candidate on a bounded pool. A candidate whose analysis fails
// gets a placeholder record and no card data.
func (o *Orchestrator) analyze(ctx context.Context, cands []schema.Candidate, text, chapter string) ([]analyzed, error) {
	out := make([]analyzed, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, c := range cands {
		g.Go(func() error {
			a, err := o.extractor.Analyze(gctx, c, text)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				o.logger.Warn("analysis failed, using placeholder", "name", c.Name, "error", err)
				out[i] = analyzed{Candidate: c, Record: schema.Placeholder(c), Err: err}
				return nil
			}
			attrs := a.Attributes(chapter)
			out[i] = analyzed{Candidate: c, Record: a.Record(c), Attrs: &attrs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) merge(ctx context.Context, in resolved) (merged, error) {
	chapter := in.Ref.FileName
	all := append(slices.Clone(in.Fresh), in.Existing...)
	results, err := o.analyze(ctx, all, in.Text, chapter)
	if err != nil {
		return merged{}, err
	}

	var stats chapterStats
	next := &store.Roster{Records: slices.Clone(in.Roster.Records)}
	attrs := map[string][]schema.CardAttributes{}
	collect := func(name string, r analyzed) {
		if r.Attrs != nil {
			attrs[name] = append(attrs[name], *r.Attrs)
		}
	}

	// New characters first: the model decides which of them are one person, then
	// each group is added to the roster.
	fresh := results[:len(in.Fresh)]
	records := make([]schema.Record, len(fresh))
	byName := make(map[string]analyzed, len(fresh))
	for i, r := range fresh {
		records[i] = r.Record
		byName[r.Candidate.Name] = r
		if r.Err != nil {
			stats.placeholders++
		}
	}
	grouped := resolve.ApplyMerges(records, o.resolver.ProposeMerges(ctx, records))
	for _, rec := range grouped {
		applied, created := next.Apply(rec)
		if created {
			stats.created++
		} else {
			stats.updated++
		}
		for _, n := range rec.Names() {
			if r, ok := byName[n]; ok {
				collect(applied.Name, r)
			}
		}
	}

	// Known characters are merged into their roster row.
	for _, r := range results[len(in.Fresh):] {
		prev, ok := findAny(next, r.Candidate.Names())
		if !ok {
			continue
		}
		rec := r.Record
		rec.Name = prev.Name
		rec.Aliases = utils.UniqueStrings([]string{r.Candidate.Name}, rec.Aliases)
		if r.Err != nil {
			stats.placeholders++
		} else {
			rec = o.extractor.MergeRecord(ctx, prev, rec)
		}
		applied, _ := next.Apply(rec)
		stats.updated++
		collect(applied.Name, r)
	}

	if o.debug() {
		if diffs := diff.Roster(in.Roster.Records, next.Records); len(diffs) > 0 {
			var buf bytes.Buffer
			diff.Print(&buf, diffs)
			o.logger.Debug("roster changes\n" + buf.String())
		}
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)

	now := o.opts.Now()
	cards := make([]cardUpdate, 0, len(names))
	for _, name := range names {
		prev, err := o.stores.Cards.Read(name)
		if err != nil {
			return merged{}, err
		}
		if profile.Covers(prev, chapter) {
			o.logger.Debug("card already has chapter", "name", name, "chapter", chapter)
			continue
		}
		card, state := profile.Merge(name, prev, combine(attrs[name]), now)
		if state == profile.ExistingNewStage {
			stats.newStages++
		}
		o.logger.Debug("card merged", "name", name, "transition", state, "stages", len(card.VisualTimeline))
		cards = append(cards, cardUpdate{Prev: prev, Next: card, State: state})
	}

	return merged{resolved: in, Next: next, Cards: cards, Stats: stats}, nil
}

func findAny(r *store.Roster, names []string) (schema.Record, bool) {
	for _, n := range names {
		if rec, ok := r.Find(n); ok {
			return rec, true
		}
	}
	return schema.Record{}, false
}

// combine folds several observations of the same character in one chapter together.
func combine(list []schema.CardAttributes) schema.CardAttributes {
	if len(list) == 1 {
		return list[0]
	}
	var out schema.CardAttributes
	for _, a := range list {
		out.CoreFeatures = utils.UniqueStrings(out.CoreFeatures, a.CoreFeatures)
		out.Clothing = utils.UniqueStrings(out.Clothing, a.Clothing)
		out.KeyItems = utils.UniqueStrings(out.KeyItems, a.KeyItems)
		out.KeyChanges = utils.UniqueStrings(out.KeyChanges, a.KeyChanges)
		if out.Quote == "" {
			out.Quote = a.Quote
		}
		if out.Chapters == "" {
			out.Chapters = a.Chapters
		}
	}
	return out
}

func (o *Orchestrator) persist(in merged) error {
	if err := o.stores.Roster.Write(in.Next); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	for _, c := range in.Cards {
		if err := o.stores.Cards.Write(c.Next); err != nil {
			return fmt.Errorf("write card %s: %w", c.Next.Name, err)
		}
		if o.debug() {
			var buf bytes.Buffer
			diff.Card(c.Prev, c.Next).Print(&buf)
			o.logger.Debug("card changes\n" + buf.String())
		}
	}
	return nil
}

func (o *Orchestrator) debug() bool { return o.logger.GetLevel() <= log.DebugLevel }

func (o *Orchestrator) checkpoint(in merged) error {
	p, err := o.stores.Progress.Checkpoint(in.Ref.FileName, o.opts.Now())
	if err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	o.logger.Info("chapter checkpointed", "chapter", in.Ref.FileName, "processed", len(p.ProcessedChapters))
	return nil
}
