package sizing

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestPrecision(t *testing.T) {
	cases := map[string]int{"0.001": 3, "1": 0, "0.0001": 4, "0.10": 2, " 0.01 ": 2}
	for step, want := range cases {
		if got := Precision(step); got != want {
			t.Fatalf("Precision(%q) = %d, want %d", step, got, want)
		}
	}
}

func TestFloorAndCeilToStep(t *testing.T) {
	floor, err := FloorToStep(d("1.23999"), "0.01")
	if err != nil {
		t.Fatalf("floor: %v", err)
	}
	if Format(floor, "0.01") != "1.23" {
		t.Fatalf("expected 1.23, got %s", Format(floor, "0.01"))
	}
	ceil, err := CeilToStep(d("1.23001"), "0.01")
	if err != nil {
		t.Fatalf("ceil: %v", err)
	}
	if Format(ceil, "0.01") != "1.24" {
		t.Fatalf("expected 1.24, got %s", Format(ceil, "0.01"))
	}
	exact, _ := CeilToStep(d("4"), "0.0001")
	if Format(exact, "0.0001") != "4.0000" {
		t.Fatalf("expected exact multiple unchanged, got %s", Format(exact, "0.0001"))
	}
}

func TestFloorToStepNonDecimalStep(t *testing.T) {
	got, err := FloorToStep(d("17"), "5")
	if err != nil {
		t.Fatalf("floor: %v", err)
	}
	if !got.Equal(d("15")) {
		t.Fatalf("expected 15, got %s", got)
	}
}

func TestRejectsInvalidStep(t *testing.T) {
	if _, err := FloorToStep(d("1"), "abc"); err == nil {
		t.Fatalf("expected error for invalid step")
	}
	if _, err := CeilToStep(d("1"), "0"); err == nil {
		t.Fatalf("expected error for zero step")
	}
}

func TestRoundingLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	steps := []string{"1", "0.1", "0.01", "0.001", "0.0001", "0.00000001"}
	for i := 0; i < 2000; i++ {
		step := steps[rng.Intn(len(steps))]
		s := d(step)
		v := decimal.NewFromFloat(rng.Float64() * 1000).Round(12)
		floor, err := FloorToStep(v, step)
		if err != nil {
			t.Fatalf("floor: %v", err)
		}
		ceil, err := CeilToStep(v, step)
		if err != nil {
			t.Fatalf("ceil: %v", err)
		}
		if floor.GreaterThan(v) || !v.LessThan(floor.Add(s)) {
			t.Fatalf("floor law violated: v=%s step=%s floor=%s", v, step, floor)
		}
		if ceil.LessThan(v) || !v.GreaterThan(ceil.Sub(s)) {
			t.Fatalf("ceil law violated: v=%s step=%s ceil=%s", v, step, ceil)
		}
		for _, out := range []string{Format(floor, step), Format(ceil, step)} {
			digits := 0
			if i := strings.IndexByte(out, '.'); i >= 0 {
				digits = len(out) - i - 1
			}
			if digits != Precision(step) {
				t.Fatalf("expected %d digits, got %q", Precision(step), out)
			}
		}
	}
}

func TestInflateForFeeScenario(t *testing.T) {
	gross := InflateForFee(d("4"), d("0.001"))
	size, err := CeilToStep(gross, "0.0001")
	if err != nil {
		t.Fatalf("ceil: %v", err)
	}
	if Format(size, "0.0001") != "4.0041" {
		t.Fatalf("expected 4.0041, got %s", Format(size, "0.0001"))
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast(d("0.01"), "0.01") {
		t.Fatalf("expected size equal to minimum to clear")
	}
	if AtLeast(d("0.009"), "0.01") {
		t.Fatalf("expected size below minimum to fail")
	}
	if AtLeast(decimal.Zero, "0") {
		t.Fatalf("zero size never clears")
	}
}
