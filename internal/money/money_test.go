package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1000000, true},
		{"1.5", 1500000, true},
		{"1.500000", 1500000, true},
		{"0.000001", 1, true},
		{"100.123456", 100123456, true},
		{"100.123456789", 0, false}, // more precision than we can represent
		{"1.1234567", 0, false},
		{"0.0000001", 0, false},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.input)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{1000000, "1.000000"},
		{1500000, "1.500000"},
		{-2500000, "-2.500000"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.input)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want 0.000000", got)
	}
}

func TestSplitConservation(t *testing.T) {
	// Any split must conserve the total exactly, including awkward
	// percentages on amounts that don't divide evenly.
	totals := []string{"100", "0.000001", "33.333333", "99.999999", "0.01"}
	for _, total := range totals {
		for pct := 0; pct <= 100; pct++ {
			first, second, ok := Split(total, pct)
			if !ok {
				t.Fatalf("Split(%q, %d) failed", total, pct)
			}
			sum := Add(first, second)
			tv, _ := Parse(total)
			if Cmp(sum, Format(tv)) != 0 {
				t.Errorf("Split(%q, %d): %s + %s = %s, want %s", total, pct, first, second, sum, total)
			}
		}
	}
}

func TestSplitBoundaries(t *testing.T) {
	first, second, ok := Split("80", 100)
	if !ok || first != "80.000000" || second != "0.000000" {
		t.Errorf("Split(80, 100) = %q, %q", first, second)
	}

	first, second, ok = Split("80", 0)
	if !ok || first != "0.000000" || second != "80.000000" {
		t.Errorf("Split(80, 0) = %q, %q", first, second)
	}

	if _, _, ok := Split("80", 101); ok {
		t.Error("Split with pct > 100 should fail")
	}
	if _, _, ok := Split("80", -1); ok {
		t.Error("Split with pct < 0 should fail")
	}
}

func TestCmp(t *testing.T) {
	if Cmp("1.50", "1.5") != 0 {
		t.Error("1.50 should equal 1.5")
	}
	if Cmp("2", "1.999999") <= 0 {
		t.Error("2 should be greater than 1.999999")
	}
	if Cmp("0.000001", "0.000002") >= 0 {
		t.Error("0.000001 should be less than 0.000002")
	}
}
