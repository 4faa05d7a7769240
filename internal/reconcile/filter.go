package reconcile

import (
	"strings"

	"github.com/clinicavet/vetsync/internal/schema"
)

// Filter selects the records a view shows. It only looks at grouping
// fields, so a change that leaves those fields alone can never move a
// record in or out of the view. Empty fields match everything.
type Filter struct {
	Statuses []string `json:"statuses,omitempty"`
	Day      string   `json:"day,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
}

// Matches reports whether rec belongs in the view.
func (f Filter) Matches(rec *schema.Record) bool {
	if rec == nil {
		return false
	}
	if f.Day != "" && rec.Day != f.Day {
		return false
	}
	if f.Urgency != "" && rec.Urgency != f.Urgency {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == rec.Status {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	var parts []string
	if len(f.Statuses) > 0 {
		parts = append(parts, "estado="+strings.Join(f.Statuses, ","))
	}
	if f.Day != "" {
		parts = append(parts, "fecha="+f.Day)
	}
	if f.Urgency != "" {
		parts = append(parts, "urgencia="+f.Urgency)
	}
	if len(parts) == 0 {
		return "todos"
	}
	return strings.Join(parts, " ")
}
