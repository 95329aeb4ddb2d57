package schema

import (
	"encoding/json"
	"errors"
	"time"
)

// Progress is the resumable checkpoint of a run.
type Progress struct {
	CurrentChapter    string    `yaml:"current_chapter" json:"current_chapter"`
	ProcessedChapters []string  `yaml:"processed_chapters" json:"processed_chapters"`
	LastUpdateTime    time.Time `yaml:"last_update_time" json:"last_update_time"`
}

// Processed reports whether chapter has already been checkpointed.
func (p Progress) Processed(chapter string) bool {
	for _, c := range p.ProcessedChapters {
		if c == chapter {
			return true
		}
	}
	return false
}

// ChapterFailure records why a chapter did not complete. Error survives a JSON round trip as text.
type ChapterFailure struct {
	Chapter string `json:"chapter"`
	Stage   string `json:"stage"`
	Error   error  `json:"-"`
	Raw     string `json:"raw,omitzero"`
}

type failureAlias struct {
	Chapter string `json:"chapter"`
	Stage   string `json:"stage"`
	Error   string `json:"error,omitzero"`
	Raw     string `json:"raw,omitzero"`
}

func (f ChapterFailure) MarshalJSON() ([]byte, error) {
	a := failureAlias{
		Chapter: f.Chapter,
		Stage:   f.Stage,
		Raw:     f.Raw,
	}
	if f.Error != nil {
		a.Error = f.Error.Error()
	}
	return json.Marshal(a)
}

func (f *ChapterFailure) UnmarshalJSON(data []byte) error {
	var a failureAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	f.Chapter = a.Chapter
	f.Stage = a.Stage
	f.Raw = a.Raw
	f.Error = nil
	if a.Error != "" {
		f.Error = errors.New(a.Error)
	}
	return nil
}
