package rating

import "math"

// Result values for Delta.
const (
	Loss = 0.0
	Draw = 0.5
	Win  = 1.0
)

// kFactor is fixed for all players.
const kFactor = 32

// Delta returns the Elo rating change for a player against an opponent given
// the match result (0 loss, 0.5 draw, 1 win). Each side is computed with its
// own expected score, so the two deltas of a game are not necessarily exact
// negatives of each other.
func Delta(playerRating, opponentRating int, result float64) int {
	expected := 1 / (1 + math.Pow(10, float64(opponentRating-playerRating)/400))
	return int(math.Round(kFactor * (result - expected)))
}
