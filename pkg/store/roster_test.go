package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xueanxi/sharebook/pkg/schema"
)

func newRosterStore(t *testing.T) *RosterStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.csv")
	b := Backups{Keep: 5, Now: ticking(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	return NewRosterStore(path, b, log.New(os.Stderr))
}

func TestRosterReadMissing(t *testing.T) {
	s := newRosterStore(t)
	r, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, r.Records)
}

func TestRosterRoundTrip(t *testing.T) {
	s := newRosterStore(t)
	in := &Roster{Records: []schema.Record{
		{
			Name: "叶君临", Gender: "男", Appearance: "剑眉星目, 身材修长", Clothing: "白衣",
			RoleType: "主角", Aliases: []string{"叶师兄", "少主|叶"}, AppearancePrompt: "young man, white robe",
		},
		{Name: "林月", Gender: "未知", Appearance: "未知", Clothing: "未知", RoleType: "其他"},
	}}
	require.NoError(t, s.Write(in))

	out, err := s.Read()
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, in.Records[0], out.Records[0])
	assert.Equal(t, "林月", out.Records[1].Name)
	assert.Empty(t, out.Records[1].Aliases)
}

func TestRosterRejectsUnknownHeader(t *testing.T) {
	s := newRosterStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("name,gender\n张三,男\n"), 0o644))

	_, err := s.Read()
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestRosterAcceptsLegacyFile(t *testing.T) {
	s := newRosterStore(t)
	data := "\ufeff姓名,性别,外貌特征,服装特点,角色类型,别名\n叶君临,男,剑眉,白衣,主角,叶师兄|君临\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(data), 0o644))

	r, err := s.Read()
	require.NoError(t, err)
	require.Len(t, r.Records, 1)
	assert.Equal(t, []string{"叶师兄", "君临"}, r.Records[0].Aliases)
	assert.Empty(t, r.Records[0].AppearancePrompt)
}

func TestRosterWriteKeepsBackups(t *testing.T) {
	s := newRosterStore(t)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Write(&Roster{Records: []schema.Record{{Name: "叶君临"}}}))
	}
	backups, err := s.backups.List(s.Path())
	require.NoError(t, err)
	assert.Len(t, backups, 5)
}

func TestApplyMergesByAlias(t *testing.T) {
	r := &Roster{Records: []schema.Record{{
		Name: "叶君临", Gender: "男", Appearance: "剑眉星目", Clothing: "未知", RoleType: "主角",
		Aliases: []string{"叶师兄"},
	}}}

	merged, created := r.Apply(schema.Record{Name: "叶师兄", Clothing: "白衣", Aliases: []string{"叶少"}})

	assert.False(t, created)
	require.Len(t, r.Records, 1)
	assert.Equal(t, "叶君临", merged.Name)
	assert.Equal(t, "男", merged.Gender, "placeholder gender does not overwrite")
	assert.Equal(t, "白衣", merged.Clothing)
	assert.Equal(t, "主角", merged.RoleType)
	assert.Equal(t, []string{"叶师兄", "叶少"}, merged.Aliases)
}

func TestApplyAppendsNewCharacter(t *testing.T) {
	r := &Roster{Records: []schema.Record{{Name: "叶君临", Aliases: []string{"叶师兄"}}}}

	merged, created := r.Apply(schema.Record{Name: "林月", Gender: "女", Aliases: []string{"月儿", "林月"}})

	assert.True(t, created)
	require.Len(t, r.Records, 2)
	assert.Equal(t, []string{"月儿"}, merged.Aliases)
	assert.Equal(t, schema.Unknown, merged.Appearance)
}

func TestApplyKeepsNamesDisjoint(t *testing.T) {
	r := &Roster{Records: []schema.Record{
		{Name: "叶君临", Aliases: []string{"叶师兄"}},
		{Name: "林月", Aliases: []string{"月儿"}},
	}}

	seq := []schema.Record{
		{Name: "叶君临", Aliases: []string{"月儿", "君临"}},
		{Name: "萧炎", Aliases: []string{"萧少", "叶师兄"}},
		{Name: "月儿", Aliases: []string{"林姑娘"}},
		{Name: "萧少", Aliases: []string{"炎帝", "林月"}},
	}
	for _, rec := range seq {
		r.Apply(rec)
		assert.Empty(t, r.Conflicts(), "after applying %s", rec.Name)
	}

	names := map[string]bool{}
	for _, rec := range r.Records {
		for _, n := range rec.Names() {
			assert.False(t, names[n], "name %s appears twice", n)
			names[n] = true
		}
	}
	assert.Len(t, r.Records, 2, "萧炎 was merged into 叶君临 through 叶师兄")
}

func TestClassifyAfterApplyIsIdempotent(t *testing.T) {
	r := &Roster{}
	cands := []schema.Candidate{
		{Name: "叶君临", Aliases: schema.Aliases{"叶师兄"}},
		{Name: "林月"},
	}

	fresh, existing := r.Classify(cands)
	assert.Len(t, fresh, 2)
	assert.Empty(t, existing)

	for _, c := range fresh {
		r.Apply(schema.Placeholder(c))
	}

	fresh, existing = r.Classify(cands)
	assert.Empty(t, fresh)
	assert.Equal(t, cands, existing)

	fresh, existing = r.Classify([]schema.Candidate{{Name: "叶师兄"}})
	assert.Empty(t, fresh)
	assert.Len(t, existing, 1)
}

func TestFindExisting(t *testing.T) {
	s := newRosterStore(t)
	require.NoError(t, s.Write(&Roster{Records: []schema.Record{{Name: "叶君临", Aliases: []string{"叶师兄"}}}}))

	fresh, existing, err := s.FindExisting([]schema.Candidate{{Name: "叶师兄"}, {Name: "萧炎"}})
	require.NoError(t, err)
	assert.Equal(t, []schema.Candidate{{Name: "萧炎"}}, fresh)
	assert.Equal(t, []schema.Candidate{{Name: "叶师兄"}}, existing)

	r, err := s.Read()
	require.NoError(t, err)
	rec, ok := r.Find("叶师兄")
	require.True(t, ok)
	assert.Equal(t, "叶君临", rec.Name)
}

func TestAliasEscaping(t *testing.T) {
	tests := []struct {
		aliases []string
		joined  string
	}{
		{nil, ""},
		{[]string{"叶师兄"}, "叶师兄"},
		{[]string{"a|b", "c"}, `a\|b|c`},
		{[]string{`back\slash`, "x"}, `back\\slash|x`},
	}
	for _, tt := range tests {
		joined := JoinAliases(tt.aliases)
		assert.Equal(t, tt.joined, joined)
		assert.Equal(t, tt.aliases, SplitAliases(joined))
	}
	assert.Equal(t, []string{"a", "b"}, SplitAliases("a|| b |"))
}
