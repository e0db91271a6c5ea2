package handlers

import (
	"testing"

	"papersorter/internal/core"
)

func TestParseHours(t *testing.T) {
	tests := []struct {
		spec    string
		want    uint32
		wantErr bool
	}{
		{"all", core.AllHours, false},
		{"", core.AllHours, false},
		{"8-18", hoursMask(8, 18), false},
		{"22", 1 << 22, false},
		{"7-9,18-22", hoursMask(7, 9) | hoursMask(18, 22), false},
		{"25", 0, true},
		{"9-3", 0, true},
		{"x-y", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := parseHours(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHours(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseHours(%q) = %024b, want %024b", tt.spec, got, tt.want)
			}
		})
	}
}

func TestFormatHoursRoundTrip(t *testing.T) {
	tests := []string{"all", "8-18", "22", "7-9,18-22"}
	for _, spec := range tests {
		mask, err := parseHours(spec)
		if err != nil {
			t.Fatalf("parseHours(%q): %v", spec, err)
		}
		if got := formatHours(mask); got != spec {
			t.Errorf("formatHours(parseHours(%q)) = %q", spec, got)
		}
	}

	if got := formatHours(0); got != "none" {
		t.Errorf("formatHours(0) = %q, want none", got)
	}
}

func hoursMask(lo, hi int) uint32 {
	var m uint32
	for h := lo; h <= hi; h++ {
		m |= 1 << uint(h)
	}
	return m
}
