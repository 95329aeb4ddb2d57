// Package pipeline walks a novel's chapters in order and folds every chapter's
// characters into the roster and character cards.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xueanxi/sharebook/pkg/chapters"
	"github.com/xueanxi/sharebook/pkg/extract"
	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

const (
	DefaultWorkers   = 6
	MinChapterRunes  = 10
	NearMatchWarning = 0.8
)

var (
	ErrChapterTooShort = errors.New("chapter too short")
	ErrRunning         = errors.New("a run is already in progress")
	ErrBusy            = errors.New("stores are in use")
)

type Options struct {
	NovelDir   string
	Workers    int
	ReportPath string
	Now        func() time.Time
}

// Stores groups the persistent state a run reads and writes.
type Stores struct {
	Roster   *store.RosterStore
	Cards    *store.CardStore
	Progress *store.ProgressStore
}

// Event reports progress through a run.
type Event struct {
	RunID   string `json:"run_id"`
	Chapter string `json:"chapter,omitempty"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

type Orchestrator struct {
	opts      Options
	stores    Stores
	extractor *extract.Extractor
	resolver  *resolve.Resolver
	logger    *log.Logger
	last      atomic.Pointer[Report]

	mu      sync.Mutex
	running bool
	holders int
}

func New(opts Options, stores Stores, extractor *extract.Extractor, resolver *resolve.Resolver, logger *log.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		opts:      opts,
		stores:    stores,
		extractor: extractor,
		resolver:  resolver,
		logger:    logger.WithPrefix("pipeline"),
	}
}

// LastReport returns the report of the most recent run, or nil.
func (o *Orchestrator) LastReport() *Report { return o.last.Load() }

// Running reports whether Run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Busy reports whether a run or a WithStores call is in progress.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running || o.holders > 0
}

// WithStores runs fn while no run can start, so fn may write the roster or cards.
// Calls may overlap each other. It returns ErrRunning without calling fn during a run.
func (o *Orchestrator) WithStores(fn func() error) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	o.holders++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.holders--
		o.mu.Unlock()
	}()
	return fn()
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.running:
		return ErrRunning
	case o.holders > 0:
		return ErrBusy
	}
	o.running = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Run processes every chapter not yet checkpointed, in reading order. Chapter failures
// are recorded in the report and the run moves on; unreadable stores or a missing
// chapter directory end the run with an error. observe may be nil.
func (o *Orchestrator) Run(ctx context.Context, observe func(Event)) (*Report, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	roster, err := o.stores.Roster.Read()
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	progress, err := o.stores.Progress.Read()
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if err := o.checkCards(); err != nil {
		return nil, err
	}
	names, err := chapters.List(o.opts.NovelDir)
	if err != nil {
		return nil, err
	}

	refs := chapters.Sort(names)
	report := newReport(o.opts.Now())
	report.Total = len(refs)
	o.logger.Info("run started", "run", report.RunID, "chapters", len(refs), "done", len(progress.ProcessedChapters), "characters", len(roster.Records))

	emit := func(sel selected, s State, msg string) {
		if observe == nil {
			return
		}
		observe(Event{RunID: report.RunID, Chapter: sel.Ref.FileName, Index: sel.Index, Total: sel.Total, State: s, Message: msg})
	}

	var runErr error
	current := roster
	for i, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		sel := selected{Ref: ref, Path: filepath.Join(o.opts.NovelDir, ref.FileName), Index: i + 1, Total: len(refs)}
		if progress.Processed(ref.FileName) {
			report.Skipped++
			continue
		}

		emit(sel, SelectChapter, "")
		m, failure := o.chapter(ctx, sel, current, emit)
		if failure != nil {
			o.logger.Error("chapter failed", "chapter", ref.FileName, "stage", failure.Stage, "error", failure.Error)
			report.Failures = append(report.Failures, *failure)
			emit(sel, Failed, failure.Error.Error())
			// The roster may already be written when a later stage fails.
			reloaded, err := o.stores.Roster.Read()
			if err != nil {
				runErr = fmt.Errorf("reload roster: %w", err)
				break
			}
			current = reloaded
			continue
		}

		current = m.Next
		report.Processed = append(report.Processed, ref.FileName)
		report.add(m.Stats)
		emit(sel, Done, fmt.Sprintf("%d characters", len(m.Candidates)))
	}

	report.FinishedAt = o.opts.Now()
	o.last.Store(report)
	if o.opts.ReportPath != "" {
		if err := utils.Save(o.opts.ReportPath, report); err != nil {
			o.logger.Warn("failed saving run report", "path", o.opts.ReportPath, "error", err)
		}
	}
	o.logger.Info("run finished", "run", report.RunID, "summary", report.Summary())
	return report, cmp.Or(runErr, ctx.Err())
}

// checkCards reads every stored card so a corrupt one stops the run before any chapter.
func (o *Orchestrator) checkCards() error {
	names, err := o.stores.Cards.Names()
	if err != nil {
		return fmt.Errorf("list cards: %w", err)
	}
	for _, name := range names {
		if _, err := o.stores.Cards.Read(name); err != nil {
			return fmt.Errorf("load cards: %w", err)
		}
	}
	return nil
}

// chapter drives one chapter from Read to Checkpoint.
func (o *Orchestrator) chapter(ctx context.Context, sel selected, roster *store.Roster, emit func(selected, State, string)) (merged, *schema.ChapterFailure) {
	var (
		text chapterText
		ext  extracted
		res  resolved
		mrg  merged
		err  error
	)

	state := Read
	for state != Done {
		emit(sel, state, "")
		next := state + 1
		switch state {
		case Read:
			text, err = o.read(sel)
		case Extract:
			ext, err = o.extract(ctx, text)
		case Resolve:
			res = o.resolve(ext, roster)
		case Merge:
			mrg, err = o.merge(ctx, res)
		case Persist:
			err = o.persist(mrg)
		case Checkpoint:
			err = o.checkpoint(mrg)
		}
		if err != nil {
			return merged{}, &schema.ChapterFailure{Chapter: sel.Ref.FileName, Stage: state.String(), Error: err}
		}
		state = next
	}
	return mrg, nil
}
