package inference

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const MoonshotBaseURL = "https://api.moonshot.cn/v1"

// MoonshotInferencer talks to Moonshot's OpenAI-compatible API. Kimi models handle
// long Chinese chapters well, so this is the default provider.
type MoonshotInferencer struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewMoonshotInferencer creates a new inferencer instance using Moonshot AI OpenAI-compatible API.
func NewMoonshotInferencer(apiKey string, model string) *MoonshotInferencer {
	if model == "" {
		model = "kimi-k2-0905-preview"
	}
	client := openai.NewClient(
		option.WithBaseURL(MoonshotBaseURL),
		option.WithAPIKey(apiKey),
	)
	return &MoonshotInferencer{
		client: &client,
		apiKey: apiKey,
		model:  model,
	}
}

func (o *MoonshotInferencer) ChangeBaseURL(baseURL string) {
	client := openai.NewClient(
		option.WithAPIKey(o.apiKey),
		option.WithBaseURL(baseURL),
	)
	o.client = &client
}

func (o *MoonshotInferencer) SetModel(model string) {
	o.model = model
}

// Infer sends text to the Moonshot chat completion endpoint and returns the output.
// Moonshot rejects strict json_schema formats, so they are downgraded to json_object.
func (o *MoonshotInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	p := chatParams(params, o.model, system, user, 4096)
	if p.ResponseFormat.OfJSONSchema != nil {
		p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	return complete(ctx, o.client, p, "moonshot")
}

// Verify checks that the result is non-empty.
func (o *MoonshotInferencer) Verify(ctx context.Context, result string) (bool, error) {
	return verifyNonEmpty(result)
}
