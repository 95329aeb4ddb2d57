package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// RosterHeader is the fixed column layout of the roster CSV.
var RosterHeader = []string{"姓名", "性别", "外貌特征", "服装特点", "角色类型", "别名"}

// PromptColumn is the optional trailing column holding the text-to-image prompt.
const PromptColumn = "外貌提示词"

var ErrUnknownSchema = errors.New("unrecognized roster header")

// Roster is the in-memory roster. Every name and alias belongs to at most one record.
type Roster struct {
	Records []schema.Record
}

// Find looks a name up by record name, then alias.
func (r *Roster) Find(name string) (schema.Record, bool) {
	return resolve.FindRecord(r.Records, name)
}

// Classify splits candidates into unknown and already-known characters.
func (r *Roster) Classify(candidates []schema.Candidate) (fresh, existing []schema.Candidate) {
	return resolve.Classify(candidates, r.Records)
}

// Apply upserts rec. When any of rec's names is already on the roster the owning record
// absorbs rec through MergeRecord; otherwise rec is appended. Aliases that belong to
// some other record are dropped so names stay unique across records.
func (r *Roster) Apply(rec schema.Record) (merged schema.Record, created bool) {
	rec = rec.Normalize()
	idx := resolve.NewIndex(r.Records)

	owner, found := idx.Lookup(rec.Name)
	if !found {
		owner, found = idx.Lookup(rec.Aliases...)
	}

	if found {
		merged = MergeRecord(r.Records[owner], rec)
	} else {
		merged = rec
		owner = len(r.Records)
	}

	merged.Aliases = slices.DeleteFunc(merged.Aliases, func(a string) bool {
		i, ok := idx[a]
		return a == merged.Name || (ok && i != owner)
	})

	if found {
		r.Records[owner] = merged
	} else {
		r.Records = append(r.Records, merged)
	}
	return merged, !found
}

// Conflicts lists names claimed by more than one record.
func (r *Roster) Conflicts() []string {
	owners := map[string]int{}
	var out []string
	for i, rec := range r.Records {
		for _, n := range rec.Names() {
			if j, ok := owners[n]; ok && j != i {
				if !slices.Contains(out, n) {
					out = append(out, n)
				}
				continue
			}
			owners[n] = i
		}
	}
	return out
}

// MergeRecord folds next into prev field by field. A field takes next's value unless
// that value is a placeholder. Aliases are always unioned and the roster name is kept.
func MergeRecord(prev, next schema.Record) schema.Record {
	out := prev
	if schema.Known(next.Gender) {
		out.Gender = next.Gender
	}
	if schema.Known(next.Appearance) {
		out.Appearance = next.Appearance
	}
	if schema.Known(next.Clothing) {
		out.Clothing = next.Clothing
	}
	if schema.Known(next.RoleType) && next.RoleType != schema.RoleOther {
		out.RoleType = next.RoleType
	}
	if strings.TrimSpace(next.AppearancePrompt) != "" {
		out.AppearancePrompt = next.AppearancePrompt
	}

	aliases := utils.UniqueStrings(prev.Aliases, next.Names())
	out.Aliases = slices.DeleteFunc(aliases, func(a string) bool { return a == out.Name })
	return out
}

// RosterStore reads and writes the roster CSV.
type RosterStore struct {
	path    string
	backups Backups
	logger  *log.Logger
	mu      sync.Mutex
}

func NewRosterStore(path string, backups Backups, logger *log.Logger) *RosterStore {
	return &RosterStore{path: path, backups: backups, logger: logger.WithPrefix("roster")}
}

func (s *RosterStore) Path() string { return s.path }

// Read loads the roster. A missing file is an empty roster; a file whose header does
// not match RosterHeader is rejected with ErrUnknownSchema.
func (s *RosterStore) Read() (*Roster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Roster{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	roster, err := decodeRoster(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", s.path, err)
	}
	if c := roster.Conflicts(); len(c) > 0 {
		s.logger.Warn("roster has names shared by several records", "names", c)
	}
	return roster, nil
}

// Write backs up the current file and atomically replaces it with roster.
func (s *RosterStore) Write(roster *Roster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeRoster(roster)
	if err != nil {
		return err
	}
	if err := s.backups.replace(s.path, data); err != nil {
		return err
	}
	s.logger.Debug("roster written", "records", len(roster.Records))
	return nil
}

// Backup copies the current roster into history.
func (s *RosterStore) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups.Backup(s.path)
}

// FindExisting classifies candidates against the roster on disk.
func (s *RosterStore) FindExisting(candidates []schema.Candidate) (fresh, existing []schema.Candidate, err error) {
	roster, err := s.Read()
	if err != nil {
		return nil, nil, err
	}
	fresh, existing = roster.Classify(candidates)
	return fresh, existing, nil
}

func decodeRoster(data []byte) (*Roster, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Roster{}, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) < len(RosterHeader) || !slices.Equal(header[:len(RosterHeader)], RosterHeader) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSchema, header)
	}
	withPrompt := len(header) > len(RosterHeader) && header[len(RosterHeader)] == PromptColumn

	roster := &Roster{}
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) < len(RosterHeader) {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", line, len(RosterHeader), len(row))
		}
		rec := schema.Record{
			Name:       strings.TrimSpace(row[0]),
			Gender:     row[1],
			Appearance: row[2],
			Clothing:   row[3],
			RoleType:   row[4],
			Aliases:    SplitAliases(row[5]),
		}
		if withPrompt && len(row) > len(RosterHeader) {
			rec.AppearancePrompt = row[len(RosterHeader)]
		}
		if rec.Name == "" {
			continue
		}
		roster.Records = append(roster.Records, rec)
	}
	return roster, nil
}

func encodeRoster(roster *Roster) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(slices.Clone(RosterHeader), PromptColumn)); err != nil {
		return nil, err
	}
	for _, rec := range roster.Records {
		row := []string{
			rec.Name,
			rec.Gender,
			rec.Appearance,
			rec.Clothing,
			rec.RoleType,
			JoinAliases(rec.Aliases),
			rec.AppearancePrompt,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// JoinAliases joins aliases with '|', escaping '|' and '\' inside an alias with '\'.
func JoinAliases(aliases []string) string {
	parts := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ReplaceAll(a, `\`, `\\`)
		a = strings.ReplaceAll(a, `|`, `\|`)
		parts = append(parts, a)
	}
	return strings.Join(parts, "|")
}

// SplitAliases reverses JoinAliases. Empty parts are dropped.
func SplitAliases(s string) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	flush := func() {
		if a := strings.TrimSpace(cur.String()); a != "" {
			out = append(out, a)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	flush()
	return out
}
