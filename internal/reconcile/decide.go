package reconcile

import "github.com/clinicavet/vetsync/internal/schema"

// Decision is the refresh a change requires.
type Decision int

const (
	// DecisionNone means nothing visible changed.
	DecisionNone Decision = iota
	// DecisionPatch means only the record's own node needs updating.
	DecisionPatch
	// DecisionFull means the filtered view must be rebuilt.
	DecisionFull
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionPatch:
		return "patch"
	case DecisionFull:
		return "full"
	default:
		return "unknown"
	}
}

// Decide picks the refresh for a record going from old to new under
// filter. Returning DecisionFull is always correct, only slower.
func Decide(old, new *schema.Record, filter Filter) Decision {
	if old == nil || new == nil {
		return DecisionFull
	}
	changed := schema.WithoutBookkeeping(schema.Diff(old, new))
	if len(changed) == 0 {
		return DecisionNone
	}
	if schema.Touches(changed, schema.GroupingFields...) {
		return DecisionFull
	}
	if !filter.Matches(new) {
		return DecisionNone
	}
	return DecisionPatch
}
