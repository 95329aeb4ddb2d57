package pipeline

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/xueanxi/sharebook/pkg/schema"
)

// Report summarises one run.
type Report struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitzero"`
	Total      int                     `json:"total"`
	Skipped    int                     `json:"skipped"`
	Processed  []string                `json:"processed"`
	Failures   []schema.ChapterFailure `json:"failures"`

	NewCharacters     int `json:"new_characters"`
	UpdatedCharacters int `json:"updated_characters"`
	NewStages         int `json:"new_stages"`
	Placeholders      int `json:"placeholders"`
}

func newReport(now time.Time) *Report {
	return &Report{
		RunID:     ksuid.New().String(),
		StartedAt: now,
		Processed: []string{},
		Failures:  []schema.ChapterFailure{},
	}
}

func (r *Report) add(s chapterStats) {
	r.NewCharacters += s.created
	r.UpdatedCharacters += s.updated
	r.NewStages += s.newStages
	r.Placeholders += s.placeholders
}

func (r *Report) Failed() int { return len(r.Failures) }

// Summary is a one-line human readable result.
func (r *Report) Summary() string {
	return fmt.Sprintf("processed %d, failed %d, skipped %d of %d chapters; %d new characters, %d updated, %d new stages",
		len(r.Processed), r.Failed(), r.Skipped, r.Total, r.NewCharacters, r.UpdatedCharacters, r.NewStages)
}
