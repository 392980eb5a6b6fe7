// Package scoring merges the server-measured count delta with an optional
// client-side verification result into a single pass/fail outcome.
//
// Neither side can force a pass on its own: the final result passes only when
// both pass, and the final score is the lower of the two.
package scoring

import (
	"strings"

	"tapcash/engagement-service/internal/apperr"
)

// Confidence is the coarse certainty bucket of an outcome.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// rank orders confidences from least to most certain. Unknown values rank 0.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Server-side scores.
const (
	ScoreSingleAction   = 90
	ScoreMultipleAction = 70
	ScoreZeroBaseline   = 70
)

// clientScores maps a client-reported confidence to its score.
var clientScores = map[Confidence]int{
	ConfidenceHigh:   95,
	ConfidenceMedium: 70,
	ConfidenceLow:    30,
}

// manualMethod must appear in Method for a low-confidence client result to count.
const manualMethod = "manual"

// ClientAssertion is what the client's own heuristics concluded.
type ClientAssertion struct {
	Success    bool   `json:"success"`
	Confidence string `json:"confidence"`
	Method     string `json:"method"`
}

// Input is everything Score looks at.
type Input struct {
	Delta    int64
	Baseline map[string]int64
	After    map[string]int64
	Client   *ClientAssertion
}

// Outcome is the verdict of a verification attempt.
type Outcome struct {
	Passed     bool
	Confidence Confidence
	Score      int
	ReasonCode string
}

func fail(reason string) Outcome {
	return Outcome{Passed: false, Confidence: ConfidenceLow, Score: 0, ReasonCode: reason}
}

// Score is deterministic and does no I/O.
func Score(in Input) Outcome {
	server := serverOutcome(in)
	if in.Client == nil {
		return server
	}
	client := clientOutcome(*in.Client)
	return combine(server, client)
}

func serverOutcome(in Input) Outcome {
	var out Outcome
	switch {
	case in.Delta == 1:
		out = Outcome{Passed: true, Confidence: ConfidenceHigh, Score: ScoreSingleAction, ReasonCode: apperr.ReasonVerified}
	case in.Delta > 1:
		out = Outcome{Passed: true, Confidence: ConfidenceMedium, Score: ScoreMultipleAction, ReasonCode: apperr.ReasonMultipleConcurrent}
	case in.Delta == 0:
		return fail(apperr.ReasonNoCountIncrease)
	default:
		return fail(apperr.ReasonCountRegression)
	}

	// A provider that returned all zeros for the baseline may have been serving
	// stale data. The pass stands but confidence is capped.
	if len(in.Baseline) > 0 && allZero(in.Baseline) {
		out.Confidence = ConfidenceMedium
		if out.Score > ScoreZeroBaseline {
			out.Score = ScoreZeroBaseline
		}
		out.ReasonCode = apperr.ReasonZeroBaseline
	}
	return out
}

func clientOutcome(c ClientAssertion) Outcome {
	conf := Confidence(strings.ToLower(strings.TrimSpace(c.Confidence)))
	score, ok := clientScores[conf]
	if !ok {
		return fail(apperr.ReasonInvalidClientAssertion)
	}
	if !c.Success {
		return fail(apperr.ReasonClientFailed)
	}
	if conf == ConfidenceLow && !strings.Contains(strings.ToLower(c.Method), manualMethod) {
		return fail(apperr.ReasonUnconfirmedLowConfidence)
	}
	return Outcome{Passed: true, Confidence: conf, Score: score}
}

// combine never lets one side upgrade the other. The server's reason code
// wins unless the client is the one that failed.
func combine(server, client Outcome) Outcome {
	if !server.Passed {
		return server
	}
	if !client.Passed {
		return client
	}
	out := server
	if client.Score < out.Score {
		out.Score = client.Score
	}
	if client.Confidence.rank() < out.Confidence.rank() {
		out.Confidence = client.Confidence
	}
	return out
}

func allZero(m map[string]int64) bool {
	for _, v := range m {
		if v != 0 {
			return false
		}
	}
	return true
}
