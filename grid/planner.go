package grid

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRange marks configuration errors from the level planner
var ErrInvalidRange = errors.New("invalid grid range")

// LevelPlan is the computed ladder for a price range
type LevelPlan struct {
	Levels      []Level `json:"levels"`
	CurrentZone int     `json:"current_zone"` // index of the level just below current price
	InRange     bool    `json:"in_range"`
	Spacing     float64 `json:"spacing"` // arithmetic step, or geometric ratio
	Mode        SpacingMode
}

// CalculateLevels computes gridCount+1 ascending levels between lower and
// upper. Arithmetic mode spaces them evenly; geometric mode uses a constant
// price ratio so each cell has equal percentage width.
func CalculateLevels(currentPrice, upper, lower float64, gridCount int, mode SpacingMode) (*LevelPlan, error) {
	if lower <= 0 || upper <= 0 {
		return nil, fmt.Errorf("%w: prices must be positive (lower=%.4f upper=%.4f)", ErrInvalidRange, lower, upper)
	}
	if lower >= upper {
		return nil, fmt.Errorf("%w: lower %.4f >= upper %.4f", ErrInvalidRange, lower, upper)
	}
	if gridCount < 1 {
		return nil, fmt.Errorf("%w: grid count %d < 1", ErrInvalidRange, gridCount)
	}
	if mode == "" {
		mode = SpacingArithmetic
	}

	levels := make([]Level, gridCount+1)
	var spacing float64

	switch mode {
	case SpacingArithmetic:
		spacing = (upper - lower) / float64(gridCount)
		for i := 0; i <= gridCount; i++ {
			levels[i] = Level{Index: i, Price: lower + spacing*float64(i)}
		}
	case SpacingGeometric:
		spacing = math.Pow(upper/lower, 1/float64(gridCount))
		for i := 0; i <= gridCount; i++ {
			levels[i] = Level{Index: i, Price: lower * math.Pow(spacing, float64(i))}
		}
	default:
		return nil, fmt.Errorf("%w: unknown spacing mode %q", ErrInvalidRange, mode)
	}

	plan := &LevelPlan{
		Levels:  levels,
		Spacing: spacing,
		Mode:    mode,
		InRange: currentPrice >= lower && currentPrice <= upper,
	}

	// Zone = highest level at or below the current price, clamped into range
	zone := 0
	for i := range levels {
		if levels[i].Price <= currentPrice {
			zone = i
		}
	}
	if zone > gridCount-1 {
		zone = gridCount - 1
	}
	plan.CurrentZone = zone

	return plan, nil
}

// DetectRegime classifies volatility from Bollinger band width percent and
// ATR percent. Unrecognized combinations land on volatile, the cautious end.
func DetectRegime(bollWidthPct, atrPct float64) Regime {
	switch {
	case bollWidthPct < 2 && atrPct < 1:
		return RegimeNarrow
	case bollWidthPct <= 3 && atrPct <= 2:
		return RegimeStandard
	case bollWidthPct <= 4 && atrPct <= 3:
		return RegimeWide
	default:
		return RegimeVolatile
	}
}

// RecommendedLeverage maps a regime to its leverage cap
func RecommendedLeverage(regime Regime) int {
	switch regime {
	case RegimeNarrow:
		return 2
	case RegimeStandard:
		return 4
	case RegimeWide:
		return 3
	case RegimeVolatile:
		return 2
	default:
		return 1
	}
}

// CheckBreakout reports whether price escaped the ladder range and by how
// much, as a fraction of the crossed boundary.
func CheckBreakout(price, upper, lower float64) (BreakoutType, float64) {
	if upper > 0 && price > upper {
		return BreakoutUpper, (price - upper) / upper
	}
	if lower > 0 && price < lower {
		return BreakoutLower, (lower - price) / lower
	}
	return BreakoutNone, 0
}

// Validate checks a session config before any broker call is made
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRange)
	}
	if c.LowerPrice <= 0 || c.UpperPrice <= 0 || c.LowerPrice >= c.UpperPrice {
		return fmt.Errorf("%w: lower %.4f / upper %.4f", ErrInvalidRange, c.LowerPrice, c.UpperPrice)
	}
	if c.GridCount < 1 {
		return fmt.Errorf("%w: grid count %d", ErrInvalidRange, c.GridCount)
	}
	if c.TotalCapital <= 0 {
		return fmt.Errorf("%w: total capital %.4f", ErrInvalidRange, c.TotalCapital)
	}
	if c.StopLossPct < 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("%w: stop loss pct %.4f", ErrInvalidRange, c.StopLossPct)
	}
	if c.TakeProfitPct < 0 {
		return fmt.Errorf("%w: take profit pct %.4f", ErrInvalidRange, c.TakeProfitPct)
	}
	if c.MakerFee < 0 || c.MakerFee >= 0.1 {
		return fmt.Errorf("%w: maker fee %.4f", ErrInvalidRange, c.MakerFee)
	}
	if c.Mode == "" {
		c.Mode = SpacingArithmetic
	}
	return nil
}
