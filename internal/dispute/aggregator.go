package dispute

import "github.com/fairwork/escrowd/internal/payment"

// Aggregate computes the advisory tally from the collected votes.
// Plurality wins; an outright tie between the leading outcomes produces no
// lean and the case escalates to the arbitrator as-is. The lean share for
// PARTIAL is the average of the winning PARTIAL votes' shares.
func Aggregate(votes []Vote, panelSize int) *Tally {
	t := &Tally{
		Counts:          make(map[payment.Decision]int),
		IncompletePanel: len(votes) < panelSize,
	}
	if len(votes) == 0 {
		return t
	}

	for _, v := range votes {
		t.Counts[v.Outcome]++
	}

	var lead payment.Decision
	best, tied := 0, false
	for _, outcome := range []payment.Decision{payment.DecisionFreelancer, payment.DecisionClient, payment.DecisionPartial} {
		n := t.Counts[outcome]
		switch {
		case n > best:
			best, lead, tied = n, outcome, false
		case n == best && n > 0 && outcome != lead:
			tied = true
		}
	}
	if tied {
		return t
	}
	t.Lean = lead

	if lead == payment.DecisionPartial {
		sum, n := 0, 0
		for _, v := range votes {
			if v.Outcome == payment.DecisionPartial {
				sum += v.SharePct
				n++
			}
		}
		if n > 0 {
			t.LeanSharePct = sum / n
		}
	}
	return t
}
