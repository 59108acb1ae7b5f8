package engine

import (
	"slices"

	"github.com/shopspring/decimal"
)

// UnknownVote is the "?" card. It counts as participation but not toward points.
const UnknownVote float64 = -1

var DefaultDeck = []float64{0, 0.5, 1, 2, 3, 5, 8, 13, 20, 40, 100, UnknownVote}

const DefaultPrecision = 1

type Rules struct {
	Deck      []float64
	Precision int32
}

func DefaultRules() Rules {
	return Rules{Deck: slices.Clone(DefaultDeck), Precision: DefaultPrecision}
}

// Allows reports whether v is a card of the deck. An empty deck accepts any
// non-negative value and the sentinel.
func (r Rules) Allows(v float64) bool {
	if len(r.Deck) == 0 {
		return v >= 0 || v == UnknownVote
	}
	return slices.Contains(r.Deck, v)
}

func submitVote(r *Room, rules Rules, userID string, v float64) error {
	if r.CurrentStory == nil {
		return ErrNoActiveStory
	}
	if r.Revealed {
		return ErrVotesRevealed
	}
	if !r.HasParticipant(userID) {
		return ErrNotParticipant
	}
	if !rules.Allows(v) {
		return ErrInvalidVote
	}
	r.Votes[userID] = v
	return nil
}

func clearVotes(r *Room) {
	r.Votes = map[string]float64{}
	r.Revealed = false
}

// Aggregate returns the mean of all numeric votes rounded to precision
// decimal places, or nil when no numeric vote was cast.
func Aggregate(votes map[string]float64, precision int32) *float64 {
	sum := decimal.Zero
	n := 0
	for _, v := range votes {
		if v == UnknownVote || v < 0 {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(v))
		n++
	}
	if n == 0 {
		return nil
	}
	mean, _ := sum.Div(decimal.NewFromInt(int64(n))).Round(precision).Float64()
	return &mean
}
