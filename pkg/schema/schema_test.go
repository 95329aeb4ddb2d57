package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasesAcceptsStringOrArray(t *testing.T) {
	var c Candidate
	require.NoError(t, json.Unmarshal([]byte(`{"name":"叶凡","aliases":"叶师兄，荒天帝、小叶"}`), &c))
	assert.Equal(t, Aliases{"叶师兄", "荒天帝", "小叶"}, c.Aliases)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"叶凡","aliases":["叶师兄"]}`), &c))
	assert.Equal(t, Aliases{"叶师兄"}, c.Aliases)

	assert.Error(t, json.Unmarshal([]byte(`{"name":"叶凡","aliases":3}`), &c))
}

func TestRecordNormalize(t *testing.T) {
	r := Record{
		Name:     " 叶凡 ",
		Gender:   "male",
		RoleType: "路人",
		Aliases:  []string{"叶凡", " 叶师兄", "叶师兄", ""},
	}.Normalize()

	assert.Equal(t, "叶凡", r.Name)
	assert.Equal(t, GenderMale, r.Gender)
	assert.Equal(t, RoleOther, r.RoleType)
	assert.Equal(t, Unknown, r.Appearance)
	assert.Equal(t, Unknown, r.Clothing)
	assert.Equal(t, []string{"叶师兄"}, r.Aliases)
}

func TestRecordDetail(t *testing.T) {
	assert.Equal(t, 0, Placeholder(Candidate{Name: "甲"}).Detail())
	full := Record{Name: "甲", Gender: GenderFemale, Appearance: "长发", Clothing: "白衣", RoleType: RoleSupporting}
	assert.Equal(t, 4, full.Detail())
}

func TestTimelineKeepsKeyOrder(t *testing.T) {
	raw := `{"stage_2":{"core_features":["b"]},"current":{"core_features":["a"]},"early":{"quote":"q"}}`
	var tl Timeline
	require.NoError(t, json.Unmarshal([]byte(raw), &tl))
	assert.Equal(t, []string{"stage_2", "current", "early"}, tl.Keys())

	out, err := json.Marshal(tl)
	require.NoError(t, err)
	var again Timeline
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, tl, again)

}

func TestTimelineRejectsNonObject(t *testing.T) {
	var tl Timeline
	assert.Error(t, json.Unmarshal([]byte(`["current"]`), &tl))
	require.NoError(t, json.Unmarshal([]byte(`null`), &tl))
	assert.Nil(t, tl)
}

func TestCardCloneIsDeep(t *testing.T) {
	c := Card{Name: "甲", VisualTimeline: Timeline{{Key: StageCurrent, Stage: Stage{CoreFeatures: []string{"黑发"}}}}}
	cp := c.Clone()
	cp.VisualTimeline[0].Stage.CoreFeatures[0] = "白发"
	assert.Equal(t, "黑发", c.VisualTimeline[0].Stage.CoreFeatures[0])
}

func TestChapterFailureKeepsErrorText(t *testing.T) {
	f := ChapterFailure{Chapter: "第一章.txt", Stage: "extract", Error: errors.New("llm exhausted")}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"chapter":"第一章.txt","stage":"extract","error":"llm exhausted"}`, string(data))

	var back ChapterFailure
	require.NoError(t, json.Unmarshal(data, &back))
	require.Error(t, back.Error)
	assert.Equal(t, "llm exhausted", back.Error.Error())
}

func TestAnalysisRecord(t *testing.T) {
	a := Analysis{Gender: "女", Appearance: "银发", RoleType: "配角", Aliases: []string{"小师妹", "林月"}}
	r := a.Record(Candidate{Name: "林月", Aliases: Aliases{"月儿"}})
	assert.Equal(t, []string{"月儿", "小师妹"}, r.Aliases)
	assert.Equal(t, Unknown, r.Clothing)
	assert.NotNil(t, CandidateListSchema)
	assert.NotNil(t, AnalysisFormat().OfJSONSchema)
}
