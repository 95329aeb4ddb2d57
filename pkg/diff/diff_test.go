package diff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xueanxi/sharebook/pkg/schema"
)

func TestStrDiffHan(t *testing.T) {
	d := strDiff("剑眉", "剑眉星目")
	assert.Equal(t, []WordDelta{{Op: Equal, Text: "剑眉"}, {Op: Insert, Text: "星目"}}, d.Deltas)
}

func TestRecord(t *testing.T) {
	prev := schema.Record{Name: "叶君临", Gender: "男", Appearance: "剑眉", Clothing: "白衣", RoleType: "主角", Aliases: []string{"叶师兄"}}
	next := prev
	next.Appearance = "剑眉星目"
	next.Aliases = []string{"叶师兄", "君临"}

	d := Record(prev, next)
	assert.Equal(t, Modified, d.State)
	require.Len(t, d.FieldDiffs, 1)
	assert.Equal(t, "外貌特征", d.FieldDiffs[0].Path)
	assert.Equal(t, []string{"君临"}, d.AliasAdd)
	assert.Empty(t, d.AliasDel)

	assert.Equal(t, Unchanged, Record(prev, prev).State)
	assert.Equal(t, Added, Record(schema.Record{}, next).State)
}

func TestRoster(t *testing.T) {
	oldR := []schema.Record{{Name: "叶君临", Gender: "男"}, {Name: "林月"}}
	newR := []schema.Record{{Name: "叶君临", Gender: "男"}, {Name: "萧炎", Gender: "男"}}

	got := Roster(oldR, newR)
	require.Len(t, got, 2)
	assert.Equal(t, "萧炎", got[0].Name)
	assert.Equal(t, Added, got[0].State)
	assert.Equal(t, "林月", got[1].Name)
	assert.Equal(t, Removed, got[1].State)

	var buf bytes.Buffer
	Print(&buf, got)
	assert.Contains(t, buf.String(), "萧炎")
}

func TestCard(t *testing.T) {
	prev := &schema.Card{Name: "叶君临", VisualTimeline: schema.Timeline{
		{Key: schema.StageCurrent, Stage: schema.Stage{CoreFeatures: []string{"黑发"}}},
	}}
	next := schema.Card{Name: "叶君临", VisualTimeline: schema.Timeline{
		{Key: schema.StageCurrent, Stage: schema.Stage{CoreFeatures: []string{"黑发"}}},
		{Key: schema.StageEarly, Stage: schema.Stage{CoreFeatures: []string{"白发"}, KeyItems: []string{"青锋剑"}}},
	}}

	d := Card(prev, next)
	assert.Equal(t, Modified, d.State)
	require.Len(t, d.Stages, 1)
	assert.Equal(t, schema.StageEarly, d.Stages[0].Key)
	assert.Equal(t, Added, d.Stages[0].State)
	assert.Equal(t, []string{"白发"}, d.Stages[0].FeatureAdd)
	assert.Equal(t, []string{"青锋剑"}, d.Stages[0].ItemsAdd)

	assert.Equal(t, Unchanged, Card(prev, *prev).State)
	assert.Equal(t, Added, Card(nil, next).State)
}
