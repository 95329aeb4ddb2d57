package schema

import (
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
)

func generateSchema[T any]() any {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return r.Reflect(v)
}

// CandidateList is the model response for name extraction.
type CandidateList struct {
	Characters []Candidate `json:"characters" jsonschema_description:"本章出现的所有人物"`
}

// Analysis is the model response describing one character in one chapter.
type Analysis struct {
	Gender       string   `json:"gender" jsonschema:"enum=男,enum=女,enum=未知"`
	Appearance   string   `json:"appearance" jsonschema_description:"外貌特征的简洁描述，未提及则为未知"`
	Clothing     string   `json:"clothing" jsonschema_description:"服装特点的简洁描述，未提及则为未知"`
	RoleType     string   `json:"role_type" jsonschema:"enum=主角,enum=配角,enum=反派,enum=其他"`
	Aliases      []string `json:"aliases" jsonschema_description:"本章中出现的其他称呼"`
	CoreFeatures []string `json:"core_features" jsonschema_description:"稳定的外貌特征短语，如发色、瞳色、体型、疤痕"`
	Outfit       []string `json:"outfit" jsonschema_description:"本章服饰短语"`
	KeyItems     []string `json:"key_items" jsonschema_description:"随身的标志性物品或武器"`
	Quote        string   `json:"quote" jsonschema_description:"最能代表角色的一句台词，没有则为空字符串"`
	KeyChanges   []string `json:"key_changes" jsonschema_description:"本章中外形、境界或身份的重大变化"`
}

// Record converts the analysis into a normalized roster row for c.
func (a Analysis) Record(c Candidate) Record {
	return Record{
		Name:       c.Name,
		Gender:     a.Gender,
		Appearance: a.Appearance,
		Clothing:   a.Clothing,
		RoleType:   a.RoleType,
		Aliases:    append(append([]string(nil), c.Aliases...), a.Aliases...),
	}.Normalize()
}

// Attributes converts the analysis into card data attributed to chapter.
func (a Analysis) Attributes(chapter string) CardAttributes {
	return CardAttributes{
		CoreFeatures: a.CoreFeatures,
		Clothing:     a.Outfit,
		KeyItems:     a.KeyItems,
		Quote:        strings.TrimSpace(a.Quote),
		KeyChanges:   a.KeyChanges,
		Chapters:     chapter,
	}
}

var (
	CandidateListSchema = generateSchema[CandidateList]()
	AnalysisSchema      = generateSchema[Analysis]()
)

func responseFormat(name, description string, schema any) openai.ChatCompletionNewParamsResponseFormatUnion {
	p := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      schema,
		Strict:      openai.Bool(true),
	}
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: p},
	}
}

func CandidateListFormat() openai.ChatCompletionNewParamsResponseFormatUnion {
	return responseFormat("chapter_characters", "Characters named in one novel chapter", CandidateListSchema)
}

func AnalysisFormat() openai.ChatCompletionNewParamsResponseFormatUnion {
	return responseFormat("character_analysis", "Roster attributes and visual card data for one character", AnalysisSchema)
}
