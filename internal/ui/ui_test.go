package ui

import (
	"strings"
	"testing"

	"github.com/clinicavet/vetsync/internal/schema"
)

func TestRender_PlainWithoutColor(t *testing.T) {
	DisableColor()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pass", RenderPass("✓"), "✓"},
		{"warn", RenderWarn("⚠"), "⚠"},
		{"status", RenderStatus(schema.KindConsultation, schema.StatusWaiting), schema.StatusWaiting},
		{"urgency", RenderUrgency(schema.UrgencyEmergency), schema.UrgencyEmergency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTable_AlignsColumns(t *testing.T) {
	DisableColor()

	out := Table([]string{"KEY", "NOMBRE"}, [][]string{
		{"-Nabc", "Firulais"},
		{"-Nabcdefgh", "Mia"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	col := strings.Index(lines[0], "NOMBRE")
	for _, line := range lines[1:] {
		name := strings.TrimSpace(line[col:])
		if name != "Firulais" && name != "Mia" {
			t.Errorf("second column misaligned in %q", line)
		}
	}
}
