package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairwork/escrowd/internal/payment"
)

// clientSignals are complaint phrasings that point at a delivery failure,
// which favors the client. freelancerSignals point at an acceptance or
// payment problem on the client side.
var (
	clientSignals = []string{
		"not delivered", "never delivered", "missing", "incomplete",
		"does not work", "broken", "not as specified", "wrong", "late",
	}
	freelancerSignals = []string{
		"delivered as agreed", "accepted", "approved offline",
		"scope change", "refuses to pay", "moved the goalposts",
	}
)

// HeuristicScorer produces an advisory recommendation from the complaint
// text and the amount of evidence attached. It is deliberately shallow:
// the recommendation seeds the expert panel and never binds the verdict.
type HeuristicScorer struct{}

var _ Scorer = (*HeuristicScorer)(nil)

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

func (s *HeuristicScorer) Score(_ context.Context, input ScoreInput) (*Recommendation, error) {
	reason := strings.ToLower(input.Reason)

	var clientHits, freelancerHits int
	for _, sig := range clientSignals {
		if strings.Contains(reason, sig) {
			clientHits++
		}
	}
	for _, sig := range freelancerSignals {
		if strings.Contains(reason, sig) {
			freelancerHits++
		}
	}

	// Confidence grows with signal strength and attached evidence, capped
	// well below certainty: this is a triage hint, not a judgment.
	confidence := 30 + 10*abs(clientHits-freelancerHits) + 5*len(input.Evidence)
	if confidence > 75 {
		confidence = 75
	}

	rec := &Recommendation{Confidence: confidence}
	switch {
	case clientHits > freelancerHits:
		rec.Outcome = payment.DecisionClient
		rec.Reasoning = fmt.Sprintf(
			"complaint describes a delivery failure (%d signal(s), %d evidence item(s))",
			clientHits, len(input.Evidence))
	case freelancerHits > clientHits:
		rec.Outcome = payment.DecisionFreelancer
		rec.Reasoning = fmt.Sprintf(
			"complaint suggests work was delivered as agreed (%d signal(s), %d evidence item(s))",
			freelancerHits, len(input.Evidence))
	default:
		rec.Outcome = payment.DecisionPartial
		rec.Reasoning = "no clear signal either way; suggest an even split pending expert review"
	}
	return rec, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
