package grid

import (
	"errors"
	"math"
	"testing"
)

func TestCalculateLevels_Arithmetic(t *testing.T) {
	plan, err := CalculateLevels(100000, 105000, 95000, 10, SpacingArithmetic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Levels) != 11 {
		t.Fatalf("expected 11 levels, got %d", len(plan.Levels))
	}
	if plan.Levels[0].Price != 95000 || plan.Levels[10].Price != 105000 {
		t.Errorf("boundary levels wrong: %.2f .. %.2f", plan.Levels[0].Price, plan.Levels[10].Price)
	}
	for i := 1; i < len(plan.Levels); i++ {
		step := plan.Levels[i].Price - plan.Levels[i-1].Price
		if math.Abs(step-1000) > 1e-6 {
			t.Errorf("level %d spacing = %.6f, want 1000", i, step)
		}
		if plan.Levels[i].Index != i {
			t.Errorf("level %d has index %d", i, plan.Levels[i].Index)
		}
	}
	if !plan.InRange {
		t.Error("price 100000 should be in range")
	}
	// 100000 sits exactly on level 5
	if plan.CurrentZone != 5 {
		t.Errorf("current zone = %d, want 5", plan.CurrentZone)
	}
}

func TestCalculateLevels_Geometric(t *testing.T) {
	plan, err := CalculateLevels(100, 200, 100, 4, SpacingGeometric)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantRatio := math.Pow(2, 0.25)
	for i := 1; i < len(plan.Levels); i++ {
		ratio := plan.Levels[i].Price / plan.Levels[i-1].Price
		if math.Abs(ratio-wantRatio) > 1e-9 {
			t.Errorf("level %d ratio = %.9f, want %.9f", i, ratio, wantRatio)
		}
	}
	if math.Abs(plan.Levels[4].Price-200) > 1e-9 {
		t.Errorf("top level = %.9f, want 200", plan.Levels[4].Price)
	}
}

func TestCalculateLevels_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		upper     float64
		lower     float64
		gridCount int
	}{
		{"lower equals upper", 100, 100, 5},
		{"lower above upper", 90, 100, 5},
		{"zero grid count", 110, 100, 0},
		{"negative lower", 110, -1, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculateLevels(100, tt.upper, tt.lower, tt.gridCount, SpacingArithmetic)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("error %v is not ErrInvalidRange", err)
			}
		})
	}
}

func TestCalculateLevels_OutOfRangePrice(t *testing.T) {
	below, err := CalculateLevels(90, 110, 100, 5, SpacingArithmetic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if below.InRange {
		t.Error("price below range reported in range")
	}
	if below.CurrentZone != 0 {
		t.Errorf("zone clamped to %d, want 0", below.CurrentZone)
	}

	above, err := CalculateLevels(200, 110, 100, 5, SpacingArithmetic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if above.InRange {
		t.Error("price above range reported in range")
	}
	if above.CurrentZone != 4 {
		t.Errorf("zone clamped to %d, want 4", above.CurrentZone)
	}
}

func TestDetectRegime(t *testing.T) {
	tests := []struct {
		name      string
		bollWidth float64
		atr       float64
		want      Regime
	}{
		{"tight range", 1.5, 0.5, RegimeNarrow},
		{"normal market", 2.5, 1.5, RegimeStandard},
		{"wider swings", 3.5, 2.5, RegimeWide},
		{"high volatility", 5.0, 4.0, RegimeVolatile},
		{"narrow boundary", 1.99, 0.99, RegimeNarrow},
		{"standard boundary", 3.0, 2.0, RegimeStandard},
		{"wide boundary", 4.0, 3.0, RegimeWide},
		{"mixed wide boll narrow atr", 3.8, 0.5, RegimeWide},
		{"boll beyond wide", 4.1, 0.5, RegimeVolatile},
		{"zero inputs", 0, 0, RegimeNarrow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectRegime(tt.bollWidth, tt.atr)
			if got != tt.want {
				t.Errorf("DetectRegime(%.2f, %.2f) = %s, want %s", tt.bollWidth, tt.atr, got, tt.want)
			}
		})
	}
}

func TestRecommendedLeverage(t *testing.T) {
	tests := []struct {
		regime Regime
		want   int
	}{
		{RegimeNarrow, 2},
		{RegimeStandard, 4},
		{RegimeWide, 3},
		{RegimeVolatile, 2},
		{Regime("unknown"), 1},
	}

	for _, tt := range tests {
		if got := RecommendedLeverage(tt.regime); got != tt.want {
			t.Errorf("RecommendedLeverage(%s) = %d, want %d", tt.regime, got, tt.want)
		}
	}
}

func TestCheckBreakout(t *testing.T) {
	tests := []struct {
		name    string
		price   float64
		want    BreakoutType
		wantPct float64
	}{
		{"inside", 105, BreakoutNone, 0},
		{"at upper", 110, BreakoutNone, 0},
		{"above upper", 121, BreakoutUpper, 0.1},
		{"at lower", 100, BreakoutNone, 0},
		{"below lower", 90, BreakoutLower, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, pct := CheckBreakout(tt.price, 110, 100)
			if got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
			if math.Abs(pct-tt.wantPct) > 1e-9 {
				t.Errorf("pct = %.6f, want %.6f", pct, tt.wantPct)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Symbol:       "BTCUSDT",
		UpperPrice:   105000,
		LowerPrice:   95000,
		GridCount:    10,
		TotalCapital: 10000,
		StopLossPct:  0.05,
		MakerFee:     0.0002,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if valid.Mode != SpacingArithmetic {
		t.Errorf("mode not defaulted: %q", valid.Mode)
	}
	if math.Abs(valid.CapitalPerGrid()-1000) > 1e-9 {
		t.Errorf("capital per grid = %.4f, want 1000", valid.CapitalPerGrid())
	}

	bad := valid
	bad.Symbol = ""
	if err := bad.Validate(); err == nil {
		t.Error("empty symbol accepted")
	}

	bad = valid
	bad.TotalCapital = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero capital accepted")
	}

	bad = valid
	bad.StopLossPct = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("stop loss >= 1 accepted")
	}
}
