// Package inferencetest provides a scripted Inferencer for tests.
package inferencetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
)

// Rule answers calls whose system prompt contains System and whose user prompt contains
// User and every entry of Users. Empty fields match anything.
type Rule struct {
	System string
	User   string
	Users  []string
	Reply  string
	Err    error
}

func (r Rule) matches(system, user string) bool {
	if !strings.Contains(system, r.System) || !strings.Contains(user, r.User) {
		return false
	}
	for _, u := range r.Users {
		if !strings.Contains(user, u) {
			return false
		}
	}
	return true
}

// Call is one recorded invocation.
type Call struct {
	System string
	User   string
}

// Fake returns the reply of the first matching rule. Calls with no matching rule fail.
type Fake struct {
	mu    sync.Mutex
	rules []Rule
	calls []Call
}

var ErrNoRule = errors.New("inferencetest: no rule matched")

func New(rules ...Rule) *Fake {
	return &Fake{rules: rules}
}

// On appends a rule.
func (f *Fake) On(r Rule) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
	return f
}

func (f *Fake) Infer(ctx context.Context, _ *openai.ChatCompletionNewParams, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{System: system, User: user})
	for _, r := range f.rules {
		if r.matches(system, user) {
			return r.Reply, r.Err
		}
	}
	return "", ErrNoRule
}

func (f *Fake) Verify(_ context.Context, result string) (bool, error) {
	if result == "" {
		return false, errors.New("empty result")
	}
	return true, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls had a system prompt containing system.
func (f *Fake) Count(system string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.System, system) {
			n++
		}
	}
	return n
}
