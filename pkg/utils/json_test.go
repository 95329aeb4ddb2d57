package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain object", `{"name":"叶凡"}`, `{"name":"叶凡"}`},
		{"plain array", `[{"name":"叶凡"}]`, `[{"name":"叶凡"}]`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose before and after", "好的，结果如下：\n[1,2,3]\n以上。", `[1,2,3]`},
		{"think block", "<think>先想想 {not json}</think>{\"ok\":true}", `{"ok":true}`},
		{"brackets inside strings", `{"quote":"他说：\"[别走]\""}`, `{"quote":"他说：\"[别走]\""}`},
		{"skips invalid bracket prose", "[注意] 输出：{\"a\":[1]}", `{"a":[1]}`},
		{"nested", `{"a":{"b":[{"c":"}"}]}}`, `{"a":{"b":[{"c":"}"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONNone(t *testing.T) {
	for _, input := range []string{"", "没有需要合并的角色", "{broken", "[1,2"} {
		_, err := ExtractJSON(input)
		assert.ErrorIs(t, err, ErrNoJSON, input)
	}
}

func TestParseJSON(t *testing.T) {
	type item struct {
		Name string `json:"name"`
	}

	got, err := ParseJSON[[]item]("结果：```json\n[{\"name\":\"林动\"}]\n```")
	require.NoError(t, err)
	assert.Equal(t, []item{{Name: "林动"}}, got)

	_, err = ParseJSON[[]item](`{"name":"林动"}`)
	assert.Error(t, err)
}
