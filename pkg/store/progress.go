package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xueanxi/sharebook/pkg/schema"
)

// ProgressStore keeps the run checkpoint as YAML.
type ProgressStore struct {
	path    string
	backups Backups
}

func NewProgressStore(path string, backups Backups) *ProgressStore {
	return &ProgressStore{path: path, backups: backups}
}

func (s *ProgressStore) Path() string { return s.path }

// Read returns the checkpoint, or a zero Progress when none has been written.
func (s *ProgressStore) Read() (schema.Progress, error) {
	var p schema.Progress
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read progress: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode progress %s: %w", s.path, err)
	}
	return p, nil
}

// Write replaces the checkpoint atomically.
func (s *ProgressStore) Write(p schema.Progress) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.backups.replace(s.path, data)
}

// Checkpoint records chapter as processed and current.
func (s *ProgressStore) Checkpoint(chapter string, now time.Time) (schema.Progress, error) {
	p, err := s.Read()
	if err != nil {
		return p, err
	}
	p.CurrentChapter = chapter
	if !slices.Contains(p.ProcessedChapters, chapter) {
		p.ProcessedChapters = append(p.ProcessedChapters, chapter)
	}
	p.LastUpdateTime = now
	return p, s.Write(p)
}

// Reset clears the checkpoint so the next run starts from the first chapter.
func (s *ProgressStore) Reset(now time.Time) error {
	return s.Write(schema.Progress{ProcessedChapters: []string{}, LastUpdateTime: now})
}
