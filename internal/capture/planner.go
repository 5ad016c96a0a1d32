package capture

import (
	"fmt"
	"strconv"
)

// BracketPlan is the ordered list of EV offsets for one run: strictly
// increasing, symmetric around a single zero entry.
type BracketPlan []float64

// Plan maps (evStep, shotCount) to a bracket plan. Supported counts are 3, 5
// and 7; any other count falls back to the 3-shot plan. Pure and total.
func Plan(evStep float64, shotCount int) BracketPlan {
	var half int
	switch shotCount {
	case 3:
		half = 1
	case 5:
		half = 2
	case 7:
		half = 3
	default:
		half = 1
	}
	plan := make(BracketPlan, 0, 2*half+1)
	for i := -half; i <= half; i++ {
		plan = append(plan, float64(i)*evStep)
	}
	return plan
}

// Label renders the human-facing name for the offset at position i, such as
// "0EV", "+1EV" or "-1.5EV". Naming only; never drives control flow.
func (p BracketPlan) Label(i int) string {
	if i < 0 || i >= len(p) {
		return fmt.Sprintf("shot%d", i)
	}
	off := p[i]
	s := strconv.FormatFloat(off, 'f', -1, 64)
	if off > 0 {
		s = "+" + s
	}
	return s + "EV"
}
