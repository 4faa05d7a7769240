package schema

import "fmt"

// Policy says how a field survives an incoming remote update.
type Policy int

const (
	// PolicyReplace takes the incoming value, including its absence.
	PolicyReplace Policy = iota
	// PolicyKeepIfMissing keeps the local value when the update omits it.
	PolicyKeepIfMissing
	// PolicyAppendMerge merges local and incoming billing entries.
	PolicyAppendMerge
)

func (p Policy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyKeepIfMissing:
		return "keep-if-missing"
	case PolicyAppendMerge:
		return "append-merge"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// PreservationTable maps field names to their policy. Fields not listed
// use PolicyReplace.
type PreservationTable map[string]Policy

// DefaultPreservation protects the billing note, the edit history and the
// creation stamps.
func DefaultPreservation() PreservationTable {
	return PreservationTable{
		FieldBillingNote: PolicyAppendMerge,
		FieldEditHistory: PolicyKeepIfMissing,
		FieldCreatedBy:   PolicyKeepIfMissing,
		FieldCreatedAt:   PolicyKeepIfMissing,
	}
}

// PreservationFor returns the table used for kind.
func PreservationFor(kind Kind) PreservationTable {
	t := DefaultPreservation()
	if kind == KindLab {
		t[FieldExams] = PolicyKeepIfMissing
	}
	return t
}

// With returns a copy of t with field set to p.
func (t PreservationTable) With(field string, p Policy) PreservationTable {
	out := make(PreservationTable, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[field] = p
	return out
}

// Policy returns the policy for field.
func (t PreservationTable) Policy(field string) Policy {
	if p, ok := t[field]; ok {
		return p
	}
	return PolicyReplace
}

// Merge combines the local copy of a record with an incoming remote version.
// The result starts from incoming; fields listed in table are then restored
// or merged from local. Neither input is modified.
//
// Example:
//
//	local.BillingNote    = entryA
//	incoming.BillingNote = ""            // stale client omitted it
//	Merge(local, incoming, DefaultPreservation()).BillingNote == entryA
func Merge(local, incoming *Record, table PreservationTable) *Record {
	if local == nil {
		return incoming.Clone()
	}
	lf, inf := local.Fields(), incoming.Fields()

	for field, policy := range table {
		lv, hasLocal := lf[field]
		if !hasLocal {
			continue
		}
		iv, hasIncoming := inf[field]
		switch policy {
		case PolicyKeepIfMissing:
			if !hasIncoming {
				inf[field] = lv
			}
		case PolicyAppendMerge:
			ls, lok := lv.(string)
			is, iok := iv.(string)
			switch {
			case !hasIncoming:
				inf[field] = lv
			case lok && iok:
				inf[field] = MergeBillingNotes(ls, is)
			}
		}
	}

	out := &Record{Kind: incoming.Kind, RemoteKey: incoming.RemoteKey}
	if err := out.replaceFields(inf); err != nil {
		// Values came from two valid records; fall back to incoming.
		return incoming.Clone()
	}
	return out
}
