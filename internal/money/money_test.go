package money

import (
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"ten dollars", "10.00", 1000},
		{"fifty cents", "0.50", 50},
		{"hundred", "100", 10000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"extra decimals truncated", "1.999", 199},
		{"large amount", "999999.99", 99_999_999},
		{"leading zeros in whole", "007.50", 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"double dot", "1.0.0"},
		{"letters", "abc"},
		{"mixed", "1.2x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got != 0 {
		t.Errorf("Parse(\"\") = %d, want 0", got)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.00"},
		{"one cent", 1, "0.01"},
		{"ten dollars", 1000, "10.00"},
		{"odd cents", 1234, "12.34"},
		{"negative", -50, "-0.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatParse_RoundTrip(t *testing.T) {
	for _, amount := range []int64{0, 1, 99, 100, 1000, 12345, 99_999_999} {
		got, ok := Parse(Format(amount))
		if !ok || got != amount {
			t.Errorf("round trip %d: got %d (ok=%v)", amount, got, ok)
		}
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		bps      int64
		expected int64
	}{
		{"five percent of 1000", 1000, 500, 50},
		{"five percent of 999 truncates", 999, 500, 49},
		{"zero amount", 0, 500, 0},
		{"zero bps", 1000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fee(tt.amount, tt.bps); got != tt.expected {
				t.Errorf("Fee(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.expected)
			}
		})
	}
}
