package domain

import (
	"time"

	"riverthello/internal/board"
)

// Status represents a game lifecycle state. A game only ever leaves "active",
// never re-enters it.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Winner is the outcome of a completed game. Empty until completion.
type Winner string

const (
	WinnerBlack Winner = "black"
	WinnerWhite Winner = "white"
	WinnerDraw  Winner = "draw"
)

// Move is one move-log entry: the placed cell in a1..h8 notation and the
// color of the player who moved. The recorded color is always the mover's,
// not the side whose turn follows; history display depends on that.
type Move struct {
	Position string      `json:"position"`
	Player   board.Color `json:"player"`
}

// Game is the authoritative record of one match.
type Game struct {
	ID                int64         `json:"id"`
	BlackPlayerID     int64         `json:"black_player_id"`
	WhitePlayerID     int64         `json:"white_player_id"`
	Status            Status        `json:"status"`
	Winner            Winner        `json:"winner,omitempty"`
	Board             board.Board   `json:"board"`
	CurrentTurn       board.Color   `json:"current_turn"`
	BlackScore        int           `json:"black_score"`
	WhiteScore        int           `json:"white_score"`
	BlackRatingChange *int          `json:"black_rating_change,omitempty"`
	WhiteRatingChange *int          `json:"white_rating_change,omitempty"`
	ValidMoves        []board.Point `json:"valid_moves"`
	Moves             []Move        `json:"moves"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
}

// IsParticipant reports whether userID plays in this game.
func (g *Game) IsParticipant(userID int64) bool {
	return g.BlackPlayerID == userID || g.WhitePlayerID == userID
}

// ColorOf returns the side userID plays, or "" for non-participants.
func (g *Game) ColorOf(userID int64) board.Color {
	switch userID {
	case g.BlackPlayerID:
		return board.Black
	case g.WhitePlayerID:
		return board.White
	}
	return ""
}

// User is a player record. Rating and counters are mutated only at game
// completion, exactly once per game, by the session manager's completion path.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Rating      int       `json:"rating"`
	GamesPlayed int       `json:"games_played"`
	GamesWon    int       `json:"games_won"`
	GamesLost   int       `json:"games_lost"`
	GamesTied   int       `json:"games_tied"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatMessage is one in-game chat line, append-only per game.
type ChatMessage struct {
	ID        int64     `json:"id"`
	GameID    int64     `json:"game_id"`
	UserID    int64     `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// InvitationStatus is a game invitation lifecycle state.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation is a pending challenge from one user to another. Accepting it
// starts a game with the sender as black.
type Invitation struct {
	ID         int64            `json:"id"`
	SenderID   int64            `json:"sender_id"`
	ReceiverID int64            `json:"receiver_id"`
	Status     InvitationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}
