package queue

import (
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
)

// Priority tier base scores. Tiers are strict bands: a higher tier
// always outranks every possible sub-score of a lower tier, so the gaps
// between bases must dominate the largest possible sub-score added
// within a tier.
var (
	tierAPyramidBase     = decimal.New(1, 7) // 1.0e7
	tierBLossBase        = decimal.New(1, 6) // 1.0e6
	tierBLossMultiplier  = decimal.New(1, 4) // 1.0e4
	tierCReplacementBase = decimal.New(1, 4) // 1.0e4
	tierCReplacementStep = decimal.NewFromInt(100)
	tierDFIFOBase        = decimal.New(1, 3)  // 1.0e3
	tieBreakScale        = decimal.New(1, -3) // seconds * 1e-3
	// maxAbsLossPercent clamps |loss_percent| in the Tier-B sub-score so
	// pathological signals (>1000% loss) can never cross into Tier A's
	// base.
	maxAbsLossPercent = decimal.NewFromInt(99)
)

// Score computes s's priority_score. now is the
// instant the promotion cycle evaluates time-in-queue; it must be the
// same instant across every signal scored in one cycle so the FIFO
// tie-break is consistent.
func Score(s *core.QueuedSignal, now time.Time) decimal.Decimal {
	queueSeconds := decimal.NewFromFloat(now.Sub(s.QueuedAt).Seconds())
	tieBreak := queueSeconds.Mul(tieBreakScale)

	switch {
	case s.IsPyramidContinuation:
		return tierAPyramidBase.Add(tieBreak)
	case s.CurrentLossPercent.LessThan(decimal.Zero):
		absLoss := s.CurrentLossPercent.Abs()
		if absLoss.GreaterThan(maxAbsLossPercent) {
			absLoss = maxAbsLossPercent
		}
		return tierBLossBase.Add(absLoss.Mul(tierBLossMultiplier)).Add(tieBreak)
	case s.ReplacementCount > 0:
		step := tierCReplacementStep.Mul(decimal.NewFromInt(int64(s.ReplacementCount)))
		return tierCReplacementBase.Add(step).Add(tieBreak)
	default:
		return tierDFIFOBase.Add(tieBreak)
	}
}
