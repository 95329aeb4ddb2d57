package pipeline

import (
	"github.com/xueanxi/sharebook/pkg/chapters"
	"github.com/xueanxi/sharebook/pkg/profile"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
)

// State is a step of the per-chapter state machine.
type State int

const (
	SelectChapter State = iota
	Read
	Extract
	Resolve
	Merge
	Persist
	Checkpoint
	Done
	Failed
)

var stateNames = [...]string{"select", "read", "extract", "resolve", "merge", "persist", "checkpoint", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Values crossing state boundaries. Each stage builds a new value from the previous one
// and never modifies its input.

type selected struct {
	Ref   chapters.Ref
	Path  string
	Index int
	Total int
}

type chapterText struct {
	selected
	Text string
}

type extracted struct {
	chapterText
	Candidates []schema.Candidate
}

type resolved struct {
	extracted
	Roster   *store.Roster
	Fresh    []schema.Candidate
	Existing []schema.Candidate
}

type analyzed struct {
	Candidate schema.Candidate
	Record    schema.Record
	Attrs     *schema.CardAttributes
	Err       error
}

type cardUpdate struct {
	Prev  *schema.Card
	Next  schema.Card
	State profile.State
}

type merged struct {
	resolved
	Next  *store.Roster
	Cards []cardUpdate
	Stats chapterStats
}

type chapterStats struct {
	created      int
	updated      int
	newStages    int
	placeholders int
}
