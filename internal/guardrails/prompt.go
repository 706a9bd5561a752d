package guardrails

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMinPromptLength = 10
	DefaultMaxPromptLength = 500
)

var DefaultClasses = []string{"druid", "hunter", "mage", "paladin", "priest", "rogue", "shaman", "warlock", "warrior"}

// LengthValidator bounds prompt length and restricts class hints to a known
// set.
type LengthValidator struct {
	Min     int
	Max     int
	Classes []string
}

func (v LengthValidator) ValidatePrompt(prompt, classHint string) error {
	minLen, maxLen := v.Min, v.Max
	if minLen <= 0 {
		minLen = DefaultMinPromptLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxPromptLength
	}
	n := utf8.RuneCountInString(strings.TrimSpace(prompt))
	switch {
	case n < minLen:
		return fmt.Errorf("%w: prompt is too short (minimum %d characters)", ErrPromptRejected, minLen)
	case n > maxLen:
		return fmt.Errorf("%w: prompt is too long (%d characters, maximum %d)", ErrPromptRejected, n, maxLen)
	}
	hint := strings.ToLower(strings.TrimSpace(classHint))
	if hint == "" {
		return nil
	}
	classes := v.Classes
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	for _, class := range classes {
		if hint == class {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown class %q", ErrPromptRejected, classHint)
}
