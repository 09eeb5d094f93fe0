package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

var ErrInvalidRange = errors.New("invalid grid range")

// Spec is the immutable planner input, taken once from configuration.
type Spec struct {
	Lower        decimal.Decimal
	Upper        decimal.Decimal
	Levels       int
	Spacing      Spacing
	TotalCapital decimal.Decimal
	ReserveRatio decimal.Decimal
}

// Level is one rung of the ladder. Index is the stable key used by the
// ledger, the strategy and the reconciler; it never changes after planning.
type Level struct {
	Index     int
	Price     decimal.Decimal
	Side      core.Side
	SizeQuote decimal.Decimal
	Qty       decimal.Decimal
}

// ComputeLevels builds the full ladder for a spec around a reference price.
// Pure and deterministic: the same spec and reference always produce the same
// levels, strictly increasing in price, sides assigned below/above the
// reference.
func ComputeLevels(spec Spec, ref decimal.Decimal) ([]Level, error) {
	if spec.Levels < 2 {
		return nil, fmt.Errorf("%w: levels must be >= 2, got %d", ErrInvalidRange, spec.Levels)
	}
	if spec.Lower.Cmp(decimal.Zero) <= 0 || spec.Upper.Cmp(spec.Lower) <= 0 {
		return nil, fmt.Errorf("%w: upper %s must exceed lower %s", ErrInvalidRange, spec.Upper, spec.Lower)
	}
	if ref.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: reference price must be > 0", ErrInvalidRange)
	}
	if spec.ReserveRatio.Cmp(decimal.Zero) < 0 || spec.ReserveRatio.Cmp(decimal.NewFromInt(1)) >= 0 {
		return nil, fmt.Errorf("%w: reserve ratio must be in [0, 1)", ErrInvalidRange)
	}

	switch spec.Spacing {
	case SpacingArithmetic, SpacingGeometric:
	case "":
		spec.Spacing = SpacingArithmetic
	default:
		return nil, fmt.Errorf("%w: unknown spacing %q", ErrInvalidRange, spec.Spacing)
	}

	prices := make([]decimal.Decimal, spec.Levels)
	switch spec.Spacing {
	case SpacingGeometric:
		ratio := spec.Upper.Div(spec.Lower).InexactFloat64()
		for i := 0; i < spec.Levels; i++ {
			exp := float64(i) / float64(spec.Levels-1)
			prices[i] = spec.Lower.Mul(decimal.NewFromFloat(math.Pow(ratio, exp)))
		}
	default:
		step := spec.Upper.Sub(spec.Lower).Div(decimal.NewFromInt(int64(spec.Levels - 1)))
		for i := 0; i < spec.Levels; i++ {
			prices[i] = spec.Lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	}
	// Endpoints carry float noise in geometric mode; pin them exactly.
	prices[0] = spec.Lower
	prices[spec.Levels-1] = spec.Upper

	deployable := spec.TotalCapital.Mul(decimal.NewFromInt(1).Sub(spec.ReserveRatio))
	perLevel := decimal.Zero
	if deployable.Cmp(decimal.Zero) > 0 {
		perLevel = deployable.Div(decimal.NewFromInt(int64(spec.Levels)))
	}

	levels := make([]Level, spec.Levels)
	for i, price := range prices {
		side := core.Buy
		if price.Cmp(ref) > 0 {
			side = core.Sell
		}
		qty := decimal.Zero
		if perLevel.Cmp(decimal.Zero) > 0 {
			qty = perLevel.Div(price)
		}
		levels[i] = Level{
			Index:     i,
			Price:     price,
			Side:      side,
			SizeQuote: perLevel,
			Qty:       qty,
		}
	}
	return levels, nil
}

// Normalize rounds level prices down onto the venue tick, keeping qty
// consistent with the rounded price. Fails if rounding collapses adjacent
// levels onto the same price.
func Normalize(levels []Level, tick decimal.Decimal) ([]Level, error) {
	if tick.Cmp(decimal.Zero) <= 0 {
		return levels, nil
	}
	out := make([]Level, len(levels))
	copy(out, levels)
	var last decimal.Decimal
	for i := range out {
		rp := core.RoundDown(out[i].Price, tick)
		if i > 0 && rp.Cmp(last) <= 0 {
			return nil, errors.New("grid collapsed after tick normalization")
		}
		if out[i].SizeQuote.Cmp(decimal.Zero) > 0 && rp.Cmp(decimal.Zero) > 0 {
			out[i].Qty = out[i].SizeQuote.Div(rp)
		}
		out[i].Price = rp
		last = rp
	}
	return out, nil
}

// IndexForPrice returns the level whose price is within tol (absolute) of the
// given price. Reconciliation uses it to match venue orders back to rungs.
func IndexForPrice(levels []Level, price, tol decimal.Decimal) (int, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	i := sort.Search(len(levels), func(i int) bool {
		return levels[i].Price.Cmp(price) >= 0
	})
	best := -1
	bestDiff := decimal.Zero
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= len(levels) {
			continue
		}
		diff := levels[cand].Price.Sub(price).Abs()
		if best == -1 || diff.Cmp(bestDiff) < 0 {
			best = cand
			bestDiff = diff
		}
	}
	if best == -1 || bestDiff.Cmp(tol) > 0 {
		return 0, false
	}
	return best, true
}

// MatchTolerance is half the smallest gap between adjacent levels, so a price
// can match at most one level.
func MatchTolerance(levels []Level) decimal.Decimal {
	if len(levels) < 2 {
		return decimal.Zero
	}
	minGap := levels[1].Price.Sub(levels[0].Price)
	for i := 2; i < len(levels); i++ {
		gap := levels[i].Price.Sub(levels[i-1].Price)
		if gap.Cmp(minGap) < 0 {
			minGap = gap
		}
	}
	return minGap.Div(decimal.NewFromInt(2))
}
