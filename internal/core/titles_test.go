package core

import "testing"

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "Deep Learning For Genomics", "deep learning for genomics"},
		{"strips punctuation", "Transformers, Revisited: A Survey!", "transformers revisited a survey"},
		{"collapses whitespace", "  multiple   spaces\tand\ntabs ", "multiple spaces and tabs"},
		{"keeps digits", "GPT-4 and Llama 3", "gpt4 and llama 3"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTitle(tt.input); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTitleSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "deep learning for genomics", "deep learning for genomics", 1, 1},
		{"near duplicate", "deep learning for genomics", "deep learning for genomic", 0.92, 1},
		{"unrelated", "deep learning for genomics", "quantum error correction codes", 0, 0.5},
		{"empty left", "", "anything", 0, 0},
		{"both empty", "", "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TitleSimilarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("TitleSimilarity(%q, %q) = %f, want in [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestHourAllowed(t *testing.T) {
	ch := Channel{BroadcastHours: 1 << 9} // only 09:00
	if !ch.HourAllowed(9) {
		t.Error("hour 9 should be allowed")
	}
	if ch.HourAllowed(10) {
		t.Error("hour 10 should not be allowed")
	}

	all := Channel{BroadcastHours: AllHours}
	for h := 0; h < 24; h++ {
		if !all.HourAllowed(h) {
			t.Errorf("AllHours mask should allow hour %d", h)
		}
	}
}
