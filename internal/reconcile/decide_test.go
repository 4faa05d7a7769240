package reconcile

import (
	"testing"

	"github.com/clinicavet/vetsync/internal/schema"
)

func base() *schema.Record {
	return &schema.Record{
		RemoteKey: "a",
		Kind:      schema.KindConsultation,
		DisplayID: 1,
		PetName:   "Luna",
		Status:    schema.StatusWaiting,
		Day:       "2026-10-18",
		Urgency:   schema.UrgencyNormal,
	}
}

func TestDecide(t *testing.T) {
	waiting := Filter{Statuses: []string{schema.StatusWaiting}}

	tests := []struct {
		name   string
		edit   func(r *schema.Record)
		filter Filter
		want   Decision
	}{
		{
			name:   "status change needs full render",
			edit:   func(r *schema.Record) { r.Status = schema.StatusRoom(1) },
			filter: waiting,
			want:   DecisionFull,
		},
		{
			name:   "billing note only is patched",
			edit:   func(r *schema.Record) { r.BillingNote = "--- [2026-10-18 10:00] ana | #1 Luna ---\nvacuna\n" },
			filter: waiting,
			want:   DecisionPatch,
		},
		{
			name:   "day change needs full render",
			edit:   func(r *schema.Record) { r.Day = "2026-10-19" },
			filter: Filter{},
			want:   DecisionFull,
		},
		{
			name:   "urgency change needs full render",
			edit:   func(r *schema.Record) { r.Urgency = schema.UrgencyEmergency },
			filter: Filter{},
			want:   DecisionFull,
		},
		{
			name:   "display field on hidden record does nothing",
			edit:   func(r *schema.Record) { r.Doctor = "Dr. Ruiz" },
			filter: Filter{Statuses: []string{schema.StatusFinished}},
			want:   DecisionNone,
		},
		{
			name:   "bookkeeping only does nothing",
			edit:   func(r *schema.Record) { r.LastEditedAt = 123 },
			filter: waiting,
			want:   DecisionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := base()
			new := old.Clone()
			tt.edit(new)
			if got := Decide(old, new, tt.filter); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Decide(nil, base(), Filter{}); got != DecisionFull {
		t.Errorf("Decide(nil old) = %v, want full", got)
	}
}

func TestFilter_Matches(t *testing.T) {
	r := base()
	tests := []struct {
		filter Filter
		want   bool
	}{
		{Filter{}, true},
		{Filter{Statuses: []string{schema.StatusWaiting, schema.StatusRadiology}}, true},
		{Filter{Statuses: []string{schema.StatusRadiology}}, false},
		{Filter{Day: "2026-10-18"}, true},
		{Filter{Day: "2026-10-17"}, false},
		{Filter{Urgency: schema.UrgencyUrgent}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(r); got != tt.want {
			t.Errorf("%v.Matches() = %v, want %v", tt.filter, got, tt.want)
		}
	}
	if (Filter{}).Matches(nil) {
		t.Error("Matches(nil) = true")
	}
}
