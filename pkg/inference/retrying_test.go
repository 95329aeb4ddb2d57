package inference_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xueanxi/sharebook/pkg/inference"
	"github.com/xueanxi/sharebook/pkg/inference/inferencetest"
	"github.com/xueanxi/sharebook/pkg/retry"
)

type flaky struct {
	inferencetest.Fake
	failures int
	calls    int
}

func (f *flaky) Infer(ctx context.Context, _ *openai.ChatCompletionNewParams, _, _ string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("503 service unavailable")
	}
	return "ok", nil
}

var quick = &retry.Config{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}

func TestRetryingRecovers(t *testing.T) {
	next := &flaky{failures: 2}
	r := inference.NewRetrying(next, quick, 0, log.New(io.Discard))

	out, err := r.Infer(context.Background(), nil, "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, next.calls)
}

func TestRetryingExhausts(t *testing.T) {
	next := &flaky{failures: 10}
	r := inference.NewRetrying(next, quick, 0, log.New(io.Discard))

	_, err := r.Infer(context.Background(), nil, "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, next.calls)
}

func TestRetryingTreatsEmptyAsFailure(t *testing.T) {
	fake := inferencetest.New(inferencetest.Rule{Reply: ""})
	r := inference.NewRetrying(fake, quick, time.Millisecond, log.New(io.Discard))

	_, err := r.Infer(context.Background(), nil, "s", "u")
	assert.Error(t, err)
	assert.Len(t, fake.Calls(), 3)
}
