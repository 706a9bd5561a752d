// Package guardrails holds the checks that surround an edit: prompt and rate
// checks before admission, and the change policy applied to the edited files
// before they are built.
package guardrails

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRejected       = errors.New("changes rejected")
	ErrPromptRejected = errors.New("prompt rejected")
	ErrRateLimited    = errors.New("rate limited")
)

// Result is the verdict on a set of changed files. Errors are
// human-readable and ordered as found.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type ChangeValidator interface {
	ValidateChanges(ctx context.Context, root string, changed []string) (Result, error)
}

type PromptValidator interface {
	ValidatePrompt(prompt, classHint string) error
}

type RateLimiter interface {
	Allow(requesterID string, now time.Time) error
}

// ValidatorFunc adapts a function to ChangeValidator.
type ValidatorFunc func(ctx context.Context, root string, changed []string) (Result, error)

func (f ValidatorFunc) ValidateChanges(ctx context.Context, root string, changed []string) (Result, error) {
	return f(ctx, root, changed)
}
