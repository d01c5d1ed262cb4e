package rules

import (
	"errors"
	"strings"
)

// Table is an immutable, ordered collection of rules. Order is priority:
// the earliest rule whose match origin prefixes a request origin wins.
//
// A Table is never modified after construction. Operations that change
// the rule set return a new Table, so a published Table can be shared
// by any number of concurrent readers without locking.
type Table struct {
	rules []Rule
}

// Empty returns a table with no rules.
func Empty() *Table {
	return &Table{}
}

// Build validates each rule and returns a table of the valid ones in
// input order. Invalid rules are skipped and reported as
// *ValidationError values carrying their batch index; they never abort
// the rest of the batch.
func Build(candidates []Rule) (*Table, []error) {
	t := &Table{rules: make([]Rule, 0, len(candidates))}
	var errs []error

	for i, r := range candidates {
		if err := r.Validate(); err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				vErr.Index = i
			}
			errs = append(errs, err)
			continue
		}
		t.rules = append(t.rules, r.clone())
	}

	return t, errs
}

// Append returns a new table holding t's rules followed by r.
// The receiver is left untouched.
func (t *Table) Append(r Rule) (*Table, error) {
	if err := r.Validate(); err != nil {
		return t, err
	}

	next := make([]Rule, len(t.rules), len(t.rules)+1)
	copy(next, t.rules)
	next = append(next, r.clone())

	return &Table{rules: next}, nil
}

// Lookup returns the first rule, in table order, whose match origin is a
// literal prefix of origin. The returned rule's Headers must not be modified.
func (t *Table) Lookup(origin string) (Rule, bool) {
	for _, r := range t.rules {
		if strings.HasPrefix(origin, r.Match) {
			return r, true
		}
	}
	return Rule{}, false
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the rules in priority order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.clone()
	}
	return out
}
