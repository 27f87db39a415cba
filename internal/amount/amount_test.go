package amount

import (
	"math/big"
	"testing"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
)

func TestToBaseUnits(t *testing.T) {
	cases := map[string]struct {
		in       string
		decimals int
		want     string
	}{
		"fraction":       {"1.5", 18, "1500000000000000000"},
		"usdc":           {"2500.25", 6, "2500250000"},
		"trailing zeros": {"1.500000", 2, "150"},
		"zero":           {"0.0", 6, "0"},
		"no decimals":    {"42", 0, "42"},
	}
	for name, tc := range cases {
		got, err := ToBaseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("%s: ToBaseUnits failed: %v", name, err)
		}
		if got.String() != tc.want {
			t.Fatalf("%s: expected %s, got %s", name, tc.want, got)
		}
	}
}

func TestToBaseUnitsValidation(t *testing.T) {
	for _, in := range []string{"", "-1", "1e18", "abc", "1.2.3"} {
		if _, err := ToBaseUnits(in, 18); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("expected usage error for %q, got %v", in, err)
		}
	}
	if _, err := ToBaseUnits("1.1234567", 6); err == nil {
		t.Fatal("expected precision error")
	}
	if _, err := Positive("0", 6); err == nil {
		t.Fatal("expected zero amount rejection")
	}
}

func TestFormat(t *testing.T) {
	if got := Format(big.NewInt(1500000), 6); got != "1.5" {
		t.Fatalf("expected 1.5, got %s", got)
	}
	if got := Format(big.NewInt(5), 3); got != "0.005" {
		t.Fatalf("expected 0.005, got %s", got)
	}
	if got, _ := Normalize("001.2300", 6); got != "1.23" {
		t.Fatalf("expected 1.23, got %s", got)
	}
}
