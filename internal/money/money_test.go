package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
		ok   bool
	}{
		{"0.0025", 2500, true},
		{"0.05", 50000, true},
		{"1", 1_000_000, true},
		{"0.0001", 100, true},
		{"0.0000001", 0, false}, // below minor-unit resolution
		{"-0.5", 0, false},
		{"0", 0, false},
		{"abc", 0, false},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.ok && err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("Parse(%q): expected error", c.in)
		}
		if c.ok && got != c.want {
			t.Fatalf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestWeiRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0025", "0.05", "0.0001", "0.999999"} {
		a, err := Parse(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		back, err := FromWei(a.Wei())
		if err != nil {
			t.Fatalf("FromWei(%s): %v", s, err)
		}
		if back != a {
			t.Fatalf("round trip %q: got %d want %d", s, back, a)
		}
		if a.String() != s {
			t.Fatalf("String() = %q, want %q", a.String(), s)
		}
	}
}

func TestFromWeiRejectsInexact(t *testing.T) {
	wei := Amount(2500).Wei()
	wei.Add(wei, big.NewInt(1))
	if _, err := FromWei(wei); err == nil {
		t.Fatal("expected inexact wei value to be rejected")
	}
}

func TestFormatWei(t *testing.T) {
	if got := FormatWei(Amount(2500).Wei()); got != "0.0025" {
		t.Fatalf("FormatWei = %q", got)
	}
}
