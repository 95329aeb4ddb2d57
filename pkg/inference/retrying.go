package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"golang.org/x/time/rate"

	"github.com/xueanxi/sharebook/pkg/retry"
)

// Retrying wraps an Inferencer with pacing and the shared retry policy.
// A response that fails Verify counts as a failed attempt.
type Retrying struct {
	next    Inferencer
	policy  *retry.Config
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewRetrying paces calls to one per interval (burst 2) when interval > 0.
func NewRetrying(next Inferencer, policy *retry.Config, interval time.Duration, logger *log.Logger) *Retrying {
	r := &Retrying{
		next:   next,
		policy: policy,
		logger: logger.WithPrefix("llm"),
	}
	if interval > 0 {
		r.limiter = rate.NewLimiter(rate.Every(interval), 2)
	}
	return r
}

func (r *Retrying) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	attempt := 0
	out, err := retry.DoWithResult(ctx, r.policy, func() (string, error) {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", retry.Permanent(err)
			}
		}

		start := time.Now()
		resp, err := r.next.Infer(ctx, params, system, user)
		if err == nil {
			_, err = r.next.Verify(ctx, resp)
		}
		if err != nil {
			r.logger.Warn("inference attempt failed", "attempt", attempt, "error", err)
			return "", err
		}
		r.logger.Debug("inference ok", "attempt", attempt, "took", time.Since(start).Round(time.Millisecond), "chars", len(resp))
		return resp, nil
	})
	if err != nil {
		return "", fmt.Errorf("inference failed after %d attempts: %w", attempt, err)
	}
	return out, nil
}

func (r *Retrying) Verify(ctx context.Context, result string) (bool, error) {
	return r.next.Verify(ctx, result)
}
