package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/ui"
)

func TestParseDay(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "2026-10-18", false},
		{"hoy", "2026-10-18", false},
		{"ayer", "2026-10-17", false},
		{"mañana", "2026-10-19", false},
		{"2026-09-01", "2026-09-01", false},
		{"yesterday", "2026-10-17", false},
		{"tomorrow", "2026-10-19", false},
		{"cuando sea", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDay(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDay(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTime_Layout(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)
	got, err := parseTime("2026-10-19 09:15", now)
	if err != nil {
		t.Fatalf("parseTime() failed: %v", err)
	}
	if want := time.Date(2026, 10, 19, 9, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("parseTime() = %v, want %v", got, want)
	}
}

func TestOrderedStatuses(t *testing.T) {
	counts := map[string]int{
		schema.StatusFinished: 2,
		schema.StatusWaiting:  3,
		"archivado":           1,
		schema.StatusRoom(2):  1,
	}
	got := orderedStatuses(schema.KindConsultation, counts)
	want := []string{schema.StatusWaiting, schema.StatusRoom(2), schema.StatusFinished, "archivado"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("orderedStatuses() = %v, want %v", got, want)
	}
}

func TestTerminalNotifier(t *testing.T) {
	ui.DisableColor()
	var buf bytes.Buffer
	n := newTerminalNotifier(&buf)

	notify.Warn(n, "sin conexión")
	notify.Error(n, "no se pudo guardar")

	out := buf.String()
	if !strings.Contains(out, "⚠ sin conexión") {
		t.Errorf("warning line missing in %q", out)
	}
	if !strings.Contains(out, "✗ no se pudo guardar") {
		t.Errorf("error line missing in %q", out)
	}
}
