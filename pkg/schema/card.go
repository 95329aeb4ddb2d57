package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Importance string

const (
	ImportanceMain    Importance = "main"
	ImportanceSupport Importance = "support"
	ImportanceMinor   Importance = "minor"
)

// Canonical stage keys, in lifecycle order.
const (
	StageCurrent = "current"
	StageEarly   = "early"
	StageMiddle  = "middle"
	StageLate    = "late"
)

// Card is the visual profile of one character across the story.
type Card struct {
	Name           string     `json:"name"`
	Importance     Importance `json:"importance"`
	VisualTimeline Timeline   `json:"visual_timeline"`
	BaseFeatures   []string   `json:"base_features"`
	Changes        []string   `json:"changes"`
	LastUpdated    time.Time  `json:"last_updated,omitzero"`
}

// Stage is the look of a character during one period of the story.
type Stage struct {
	CoreFeatures []string `json:"core_features"`
	Clothing     []string `json:"clothing"`
	KeyItems     []string `json:"key_items"`
	Quote        string   `json:"quote"`
	KeyChanges   []string `json:"key_changes"`
	Chapters     string   `json:"chapters"`
}

func (s Stage) Clone() Stage {
	s.CoreFeatures = slices.Clone(s.CoreFeatures)
	s.Clothing = slices.Clone(s.Clothing)
	s.KeyItems = slices.Clone(s.KeyItems)
	s.KeyChanges = slices.Clone(s.KeyChanges)
	return s
}

// CardAttributes is the visual data observed for one character in one chapter.
type CardAttributes struct {
	CoreFeatures []string `json:"core_features"`
	Clothing     []string `json:"clothing"`
	KeyItems     []string `json:"key_items"`
	Quote        string   `json:"quote"`
	KeyChanges   []string `json:"key_changes"`
	Chapters     string   `json:"chapters"`
}

// Clone returns a deep copy of the card.
func (c Card) Clone() Card {
	c.VisualTimeline = c.VisualTimeline.Clone()
	c.BaseFeatures = slices.Clone(c.BaseFeatures)
	c.Changes = slices.Clone(c.Changes)
	return c
}

// Entry is one keyed stage of a timeline.
type Entry struct {
	Key   string
	Stage Stage
}

// Timeline is an insertion-ordered stage map. The last entry is the most recent stage.
// It serializes as a JSON object whose keys keep that order.
type Timeline []Entry

func (t Timeline) Clone() Timeline {
	if t == nil {
		return nil
	}
	out := make(Timeline, len(t))
	for i, e := range t {
		out[i] = Entry{Key: e.Key, Stage: e.Stage.Clone()}
	}
	return out
}

func (t Timeline) Get(key string) (Stage, bool) {
	for _, e := range t {
		if e.Key == key {
			return e.Stage, true
		}
	}
	return Stage{}, false
}

// Set replaces the stage under key, or appends it when key is new.
func (t Timeline) Set(key string, s Stage) Timeline {
	for i, e := range t {
		if e.Key == key {
			t[i].Stage = s
			return t
		}
	}
	return append(t, Entry{Key: key, Stage: s})
}

// Keys returns the stage keys in insertion order.
func (t Timeline) Keys() []string {
	keys := make([]string, len(t))
	for i, e := range t {
		keys[i] = e.Key
	}
	return keys
}

// Last returns the most recent stage.
func (t Timeline) Last() (Entry, bool) {
	if len(t) == 0 {
		return Entry{}, false
	}
	return t[len(t)-1], true
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Stage)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *Timeline) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*t = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("visual_timeline: expected object, got %v", tok)
	}

	var out Timeline
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("visual_timeline: expected key, got %v", tok)
		}
		var s Stage
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("visual_timeline[%s]: %w", key, err)
		}
		out = out.Set(key, s)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*t = out
	return nil
}
