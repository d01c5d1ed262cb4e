// Package rules provides the forwarding rule model and the immutable,
// ordered rule table the proxy engine matches requests against.
package rules

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// MatchScheme is the only scheme a rule may match on.
const MatchScheme = "http://"

// Sentinel errors for rule validation.
var (
	// ErrInvalidMatch indicates a missing or non-http match origin.
	ErrInvalidMatch = errors.New("match must be a non-empty origin starting with " + MatchScheme)

	// ErrInvalidTarget indicates a missing target origin.
	ErrInvalidTarget = errors.New("proxy target must be a non-empty origin")
)

// Rule forwards requests whose origin starts with Match to Target,
// overlaying Headers on the outbound request.
type Rule struct {
	Match   string
	Target  string
	Headers map[string]string
}

// ValidationError describes a rejected rule.
type ValidationError struct {
	Index int // Position in the batch, -1 when added individually
	Rule  Rule
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("rule #%d (match=%q proxy=%q): %v", e.Index, e.Rule.Match, e.Rule.Target, e.Cause)
	}
	return fmt.Sprintf("rule (match=%q proxy=%q): %v", e.Rule.Match, e.Rule.Target, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Validate checks that the rule can be added to a table.
func (r Rule) Validate() error {
	if r.Match == "" || !strings.HasPrefix(r.Match, MatchScheme) {
		return &ValidationError{Index: -1, Rule: r, Cause: ErrInvalidMatch}
	}
	if r.Target == "" {
		return &ValidationError{Index: -1, Rule: r, Cause: ErrInvalidTarget}
	}
	return nil
}

// clone returns a copy whose Headers map is not shared with the caller.
func (r Rule) clone() Rule {
	if r.Headers != nil {
		r.Headers = maps.Clone(r.Headers)
	}
	return r
}

// IsValidationError reports whether err is a rule validation error.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
