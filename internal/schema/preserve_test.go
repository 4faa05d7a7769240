package schema

import (
	"testing"
	"time"
)

func TestMerge_Policies(t *testing.T) {
	entry := NewBillingEntry(&Record{DisplayID: 5, PetName: "Luna"}, "ana", "vacuna", time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local))
	other := NewBillingEntry(&Record{DisplayID: 5, PetName: "Luna"}, "luis", "rayos", time.Date(2026, 10, 18, 9, 20, 0, 0, time.Local))

	local := &Record{
		RemoteKey:   "k1",
		Kind:        KindConsultation,
		DisplayID:   5,
		PetName:     "Luna",
		Status:      StatusWaiting,
		Reason:      "control",
		BillingNote: AppendBillingNote("", entry),
		CreatedBy:   "ana",
		CreatedAt:   1000,
		EditHistory: []EditEntry{{User: "ana", At: 1000}},
	}

	tests := []struct {
		name     string
		incoming *Record
		check    func(t *testing.T, got *Record)
	}{
		{
			name:     "omitted protected fields are kept",
			incoming: &Record{RemoteKey: "k1", Kind: KindConsultation, DisplayID: 5, PetName: "Luna", Status: StatusRoom(1)},
			check: func(t *testing.T, got *Record) {
				if got.BillingNote != local.BillingNote {
					t.Errorf("porCobrar = %q, want local", got.BillingNote)
				}
				if got.CreatedBy != "ana" || got.CreatedAt != 1000 || len(got.EditHistory) != 1 {
					t.Errorf("creation fields lost: %+v", got)
				}
				if got.Status != StatusRoom(1) {
					t.Errorf("estado = %s, want incoming", got.Status)
				}
				if got.Reason != "" {
					t.Errorf("motivo = %q, replace policy should drop it", got.Reason)
				}
			},
		},
		{
			name: "billing notes are merged entry-wise",
			incoming: &Record{RemoteKey: "k1", Kind: KindConsultation, DisplayID: 5, PetName: "Luna",
				BillingNote: AppendBillingNote("", other)},
			check: func(t *testing.T, got *Record) {
				entries, _ := ParseBillingEntries(got.BillingNote)
				if len(entries) != 2 || entries[0].User != "ana" || entries[1].User != "luis" {
					t.Errorf("porCobrar = %q", got.BillingNote)
				}
			},
		},
		{
			name: "incoming values win when present",
			incoming: &Record{RemoteKey: "k1", Kind: KindConsultation, DisplayID: 5, PetName: "Luna",
				CreatedBy: "luis", CreatedAt: 2000},
			check: func(t *testing.T, got *Record) {
				if got.CreatedBy != "luis" || got.CreatedAt != 2000 {
					t.Errorf("incoming creation fields ignored: %+v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := local.Clone()
			got := Merge(local, tt.incoming, DefaultPreservation())
			tt.check(t, got)
			if len(Diff(before, local)) != 0 {
				t.Error("Merge() modified local")
			}
		})
	}
}

func TestMerge_NoLocal(t *testing.T) {
	in := &Record{RemoteKey: "k", DisplayID: 1, PetName: "Max"}
	got := Merge(nil, in, DefaultPreservation())
	if got == in || got.PetName != "Max" {
		t.Errorf("Merge(nil) = %+v", got)
	}
}

func TestPreservationTable(t *testing.T) {
	t1 := PreservationFor(KindLab)
	if t1.Policy(FieldExams) != PolicyKeepIfMissing {
		t.Errorf("lab examenes policy = %v", t1.Policy(FieldExams))
	}
	if PreservationFor(KindConsultation).Policy(FieldExams) != PolicyReplace {
		t.Error("consultation examenes should be replace")
	}

	t2 := DefaultPreservation().With("motivo", PolicyKeepIfMissing)
	local := &Record{DisplayID: 1, PetName: "Luna", Reason: "control"}
	got := Merge(local, &Record{DisplayID: 1, PetName: "Luna"}, t2)
	if got.Reason != "control" {
		t.Errorf("custom policy ignored, motivo = %q", got.Reason)
	}
	if DefaultPreservation().Policy("motivo") != PolicyReplace {
		t.Error("With() modified the receiver")
	}
}
