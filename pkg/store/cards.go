package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// CardStore keeps one JSON file per character under a directory.
type CardStore struct {
	dir     string
	backups Backups
}

func NewCardStore(dir string, backups Backups) *CardStore {
	return &CardStore{dir: dir, backups: backups}
}

func (s *CardStore) Dir() string { return s.dir }

// Path is the file holding name's card.
func (s *CardStore) Path(name string) string {
	safe := utils.SanitizeFilename(name)
	if safe == "" {
		safe = "unknown"
	}
	return filepath.Join(s.dir, safe+".json")
}

// Read loads name's card. A character without a card yields nil and no error.
func (s *CardStore) Read(name string) (*schema.Card, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read card %s: %w", name, err)
	}
	var card schema.Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode card %s: %w", name, err)
	}
	return &card, nil
}

// Write backs up and atomically replaces the card file.
func (s *CardStore) Write(card schema.Card) error {
	if strings.TrimSpace(card.Name) == "" {
		return errors.New("card has no name")
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return fmt.Errorf("encode card %s: %w", card.Name, err)
	}
	return s.backups.replace(s.Path(card.Name), append(data, '\n'))
}

// Backup copies name's current card into history.
func (s *CardStore) Backup(name string) (string, error) {
	return s.backups.Backup(s.Path(name))
}

// Names lists the characters that have a card, sorted.
func (s *CardStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	slices.Sort(names)
	return names, nil
}
