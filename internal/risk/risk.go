// Package risk computes a reproducible composite risk score for a token.
//
// Score is a pure function: no I/O, no clock reads, no randomness. Every
// replica of the compute node must produce bit-identical reports for the
// same input, so the factor order and the 3-decimal formatting are part of
// the contract, not presentation sugar.
package risk

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned for inputs outside the scoring domain
// (negative magnitudes, NaN, Inf). The arithmetic would silently produce
// nonsense for these, so they fail fast instead.
var ErrInvalidInput = errors.New("risk: invalid input")

// Holder is one entry of the top-holder distribution.
type Holder struct {
	Address    string  `json:"address"`
	Percentage float64 `json:"percentage"`
}

// Input carries the raw token facts the score is derived from.
type Input struct {
	TxnCount          int      `json:"txnCount"`
	ContractAgeInDays float64  `json:"contractAgeInDays"`
	Price             float64  `json:"price"`
	TopHolders        []Holder `json:"topHolders"`
	MarketCap         float64  `json:"marketCap"`
	Volume            float64  `json:"volume"`
}

// Detail is one line of the score breakdown. Score is a 3-decimal string
// for the factor entries and a plain number for the final entry.
type Detail struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Score       any    `json:"score"`
}

// Report is the full scoring result.
type Report struct {
	FinalScore     float64  `json:"finalScore"`
	DetailedScores []Detail `json:"detailedScores"`
}

// Validate checks that the input lies in the scoring domain.
func (in Input) Validate() error {
	if in.TxnCount < 0 {
		return fmt.Errorf("%w: txnCount is negative", ErrInvalidInput)
	}
	if err := checkMagnitude("contractAgeInDays", in.ContractAgeInDays); err != nil {
		return err
	}
	if err := checkMagnitude("price", in.Price); err != nil {
		return err
	}
	if err := checkMagnitude("marketCap", in.MarketCap); err != nil {
		return err
	}
	if err := checkMagnitude("volume", in.Volume); err != nil {
		return err
	}
	for i, h := range in.TopHolders {
		if err := checkMagnitude(fmt.Sprintf("topHolders[%d].percentage", i), h.Percentage); err != nil {
			return err
		}
	}
	return nil
}

func checkMagnitude(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrInvalidInput, name)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s is negative", ErrInvalidInput, name)
	}
	return nil
}

// Score computes the weighted composite risk score with its breakdown.
// Factor order is fixed: price, market cap, volume, holder concentration,
// transactions, contract age, then the aggregated final score.
func Score(in Input) (*Report, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var score float64
	details := make([]Detail, 0, 7)

	// Price risk: cheap tokens score riskier, capped at 50.
	priceFactor := math.Log(in.Price+1) * 50
	priceRisk := math.Min(50/(priceFactor+1), 50)
	details = append(details, Detail{
		Label:       "Price Risk",
		Description: fmt.Sprintf("Risk based on token price (%v). Lower prices result in higher risk.", in.Price),
		Score:       formatScore(priceRisk),
	})
	score += priceRisk

	// Market cap risk: decays exponentially with cap, half-weighted.
	marketCapRisk := math.Exp(-in.MarketCap/1_000_000) * 100 * 0.5
	details = append(details, Detail{
		Label:       "Market Cap Risk",
		Description: fmt.Sprintf("Risk based on market cap (%v). Higher market cap reduces risk.", in.MarketCap),
		Score:       formatScore(marketCapRisk),
	})
	score += marketCapRisk

	// Volume risk: the only subtractive factor. The displayed value is negated.
	volumeRisk := math.Sqrt(in.Volume) / 100 * 0.3
	details = append(details, Detail{
		Label:       "Volume Risk",
		Description: fmt.Sprintf("Risk based on trading volume (%v). Higher volume lowers risk.", in.Volume),
		Score:       formatScore(-volumeRisk),
	})
	score -= volumeRisk

	// Holder concentration: quadratic in the summed top-holder share.
	var totalPct float64
	for _, h := range in.TopHolders {
		totalPct += h.Percentage
	}
	concentrationRisk := totalPct * totalPct / 100 * 0.8
	details = append(details, Detail{
		Label:       "Top Holder Concentration Risk",
		Description: fmt.Sprintf("Risk based on concentration of top holders (%v%%). Higher concentration increases risk.", totalPct),
		Score:       formatScore(concentrationRisk),
	})
	score += concentrationRisk

	// Transaction risk: logistic curve centered at 200 transactions.
	// The curve rises with more transactions even though the description
	// claims the opposite; the formula is the reproducibility contract.
	transactionRisk := 1 / (1 + math.Exp(-0.1*(float64(in.TxnCount)-200))) * 30
	details = append(details, Detail{
		Label:       "Transaction Risk",
		Description: fmt.Sprintf("Risk based on the number of transactions (%d). Fewer transactions increase risk.", in.TxnCount),
		Score:       formatScore(transactionRisk),
	})
	score += transactionRisk

	// Contract age risk: yearly exponential decay from a max of 20.
	ageRisk := math.Exp(-in.ContractAgeInDays/365) * 20
	details = append(details, Detail{
		Label:       "Contract Age Risk",
		Description: fmt.Sprintf("Risk based on contract age (%.0f days). Older contracts reduce risk.", in.ContractAgeInDays),
		Score:       formatScore(ageRisk),
	})
	score += ageRisk

	// Round to 3 decimals first, then clamp to [0,100].
	finalScore := math.Min(100, math.Max(0, round3(score)))
	details = append(details, Detail{
		Label:       "Final Risk Score",
		Description: "Total risk score after aggregating all factors.",
		Score:       finalScore,
	})

	return &Report{FinalScore: finalScore, DetailedScores: details}, nil
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
