package amount

import (
	"math/big"
	"testing"
)

func TestParseAndFormat_RoundTrip(t *testing.T) {
	cases := []struct {
		in       string
		decimals int
		want     string
	}{
		{"1.5", 6, "1.500000"},
		{"0", 6, "0.000000"},
		{"", 6, "0.000000"},
		{"42", 2, "42.00"},
		{"0.01", 2, "0.01"},
		{"1000000", 0, "1000000"},
	}

	for _, tc := range cases {
		v, ok := Parse(tc.in, tc.decimals)
		if !ok {
			t.Fatalf("Parse(%q, %d) failed", tc.in, tc.decimals)
		}
		got := Format(v, tc.decimals)
		if got != tc.want {
			t.Errorf("Parse(%q,%d)->Format = %q, want %q", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestParse_RejectsNegative(t *testing.T) {
	if _, ok := Parse("-1.5", 6); ok {
		t.Error("expected negative amount to be rejected")
	}
}

func TestParse_RejectsMultipleDecimalPoints(t *testing.T) {
	if _, ok := Parse("1.5.3", 6); ok {
		t.Error("expected multiple decimal points to be rejected")
	}
}

func TestParse_TruncatesExcessFraction(t *testing.T) {
	v, ok := Parse("1.123456789", 6)
	if !ok {
		t.Fatal("expected valid parse")
	}
	want := big.NewInt(1123456)
	if v.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, v)
	}
}

func TestFormat_NilIsZero(t *testing.T) {
	if got := Format(nil, 6); got != "0.000000" {
		t.Errorf("expected 0.000000, got %s", got)
	}
}

func TestFormat_Negative(t *testing.T) {
	got := Format(big.NewInt(-1500000), 6)
	if got != "-1.500000" {
		t.Errorf("expected -1.500000, got %s", got)
	}
}
