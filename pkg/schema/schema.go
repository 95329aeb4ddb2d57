package schema

import (
	"encoding/json"
	"strings"
)

// Placeholder values used when an attribute is not known.
const (
	Unknown   = "未知"
	RoleOther = "其他"
)

const (
	GenderMale   = "男"
	GenderFemale = "女"
)

const (
	RoleProtagonist = "主角"
	RoleSupporting  = "配角"
	RoleAntagonist  = "反派"
)

// Candidate is a name mention extracted from one chapter.
type Candidate struct {
	Name    string  `json:"name" jsonschema_description:"角色在本章中最常用的完整姓名"`
	Aliases Aliases `json:"aliases" jsonschema_description:"本章中出现的其他称呼、昵称或称号"`
}

// Names returns the name followed by its aliases.
func (c Candidate) Names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

// Aliases accepts either a JSON array or a single delimited string.
type Aliases []string

func (a *Aliases) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '，' || r == '、' || r == '|'
	})
	return nil
}

// Record is one row of the roster.
type Record struct {
	Name             string   `json:"name"`
	Gender           string   `json:"gender"`
	Appearance       string   `json:"appearance"`
	Clothing         string   `json:"clothing"`
	RoleType         string   `json:"role_type"`
	Aliases          []string `json:"aliases"`
	AppearancePrompt string   `json:"appearance_prompt,omitempty"`
}

// Placeholder is the record substituted when a candidate could not be analyzed.
func Placeholder(c Candidate) Record {
	return Record{
		Name:       c.Name,
		Gender:     Unknown,
		Appearance: Unknown,
		Clothing:   Unknown,
		RoleType:   RoleOther,
		Aliases:    append([]string(nil), c.Aliases...),
	}
}

// Names returns the name followed by its aliases.
func (r Record) Names() []string {
	return append([]string{r.Name}, r.Aliases...)
}

// Detail counts the attributes that carry real information.
func (r Record) Detail() int {
	n := 0
	for _, v := range []string{r.Gender, r.Appearance, r.Clothing} {
		if Known(v) {
			n++
		}
	}
	if Known(r.RoleType) && r.RoleType != RoleOther {
		n++
	}
	return n
}

// Normalize trims fields and maps out-of-range enums to their placeholder.
func (r Record) Normalize() Record {
	r.Name = strings.TrimSpace(r.Name)
	r.Gender = NormalizeGender(r.Gender)
	r.RoleType = NormalizeRole(r.RoleType)
	r.Appearance = orUnknown(r.Appearance)
	r.Clothing = orUnknown(r.Clothing)
	r.AppearancePrompt = strings.TrimSpace(r.AppearancePrompt)

	aliases := make([]string, 0, len(r.Aliases))
	seen := map[string]struct{}{r.Name: {}}
	for _, a := range r.Aliases {
		a = strings.TrimSpace(a)
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		aliases = append(aliases, a)
	}
	r.Aliases = aliases
	return r
}

// Known reports whether v is a real value rather than a placeholder.
func Known(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != Unknown
}

func NormalizeGender(g string) string {
	switch strings.TrimSpace(g) {
	case GenderMale, "male", "Male":
		return GenderMale
	case GenderFemale, "female", "Female":
		return GenderFemale
	}
	return Unknown
}

func NormalizeRole(r string) string {
	switch r = strings.TrimSpace(r); r {
	case RoleProtagonist, RoleSupporting, RoleAntagonist, RoleOther:
		return r
	}
	return RoleOther
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return Unknown
	}
	return s
}
