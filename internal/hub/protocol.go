package hub

import (
	"encoding/json"

	"riverthello/internal/board"
	"riverthello/internal/domain"
	"riverthello/internal/session"
)

// Envelope type tags. Inbound and outbound messages share the same
// {type, payload} shape; the payload schema is keyed by the tag and anything
// outside this set is a malformed message.
const (
	TypeAuth        = "AUTH"
	TypeAuthSuccess = "AUTH_SUCCESS"
	TypeJoinGame    = "JOIN_GAME"
	TypeGameState   = "GAME_STATE"
	TypeMakeMove    = "MAKE_MOVE"
	TypeGameUpdated = "GAME_UPDATED"
	TypeTurnSkipped = "TURN_SKIPPED"
	TypeGameOver    = "GAME_OVER"
	TypeSendChat    = "SEND_CHAT"
	TypeChatMessage = "CHAT_MESSAGE"
	TypeResign      = "RESIGN"
	TypeError       = "ERROR"
)

// Envelope is an inbound client message; the payload is decoded per tag.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound is a server-to-client message.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Inbound payloads.

type AuthPayload struct {
	UserID int64 `json:"user_id"`
}

type JoinGamePayload struct {
	GameID int64 `json:"game_id"`
}

type MakeMovePayload struct {
	GameID int64 `json:"game_id"`
	Row    int   `json:"row"`
	Col    int   `json:"col"`
}

type SendChatPayload struct {
	GameID  int64  `json:"game_id"`
	Message string `json:"message"`
}

type ResignPayload struct {
	GameID int64 `json:"game_id"`
}

// Outbound payloads.

type AuthSuccessPayload struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// GameStatePayload is the full snapshot sent to a connection on JOIN_GAME.
type GameStatePayload struct {
	GameID       int64                 `json:"game_id"`
	Board        board.Board           `json:"board"`
	CurrentTurn  board.Color           `json:"current_turn"`
	BlackScore   int                   `json:"black_score"`
	WhiteScore   int                   `json:"white_score"`
	BlackPlayer  *domain.User          `json:"black_player"`
	WhitePlayer  *domain.User          `json:"white_player"`
	ValidMoves   []board.Point         `json:"valid_moves"`
	Moves        []domain.Move         `json:"moves"`
	Status       domain.Status         `json:"status"`
	Winner       domain.Winner         `json:"winner,omitempty"`
	ChatMessages []*domain.ChatMessage `json:"chat_messages"`
}

// GameUpdatedPayload is broadcast after every non-terminal move.
type GameUpdatedPayload struct {
	GameID      int64            `json:"game_id"`
	Board       board.Board      `json:"board"`
	CurrentTurn board.Color      `json:"current_turn"`
	BlackScore  int              `json:"black_score"`
	WhiteScore  int              `json:"white_score"`
	BlackPlayer *domain.User     `json:"black_player"`
	WhitePlayer *domain.User     `json:"white_player"`
	ValidMoves  []board.Point    `json:"valid_moves"`
	LastMove    session.LastMove `json:"last_move"`
	Status      domain.Status    `json:"status"`
	Winner      domain.Winner    `json:"winner,omitempty"`
}

// TurnSkippedPayload announces that the side to move has no legal move and
// the previous mover goes again.
type TurnSkippedPayload struct {
	GameID   int64       `json:"game_id"`
	Message  string      `json:"message"`
	NextTurn board.Color `json:"next_turn"`
}

// GameOverPayload is broadcast on completion, normal or by resignation.
type GameOverPayload struct {
	GameID            int64         `json:"game_id"`
	Board             board.Board   `json:"board"`
	BlackScore        int           `json:"black_score"`
	WhiteScore        int           `json:"white_score"`
	Winner            domain.Winner `json:"winner"`
	BlackRatingChange int           `json:"black_rating_change"`
	WhiteRatingChange int           `json:"white_rating_change"`
	BlackPlayer       *domain.User  `json:"black_player"`
	WhitePlayer       *domain.User  `json:"white_player"`
	Resigned          bool          `json:"resigned,omitempty"`
	ResignedBy        board.Color   `json:"resigned_by,omitempty"`
}

type ChatMessagePayload struct {
	Message *domain.ChatMessage `json:"message"`
	User    *domain.User        `json:"user"`
}
