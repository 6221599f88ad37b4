package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"riverthello/internal/domain"
)

// Repository archives finished games in postgres. The live record stays in
// redis; this table exists for history queries that outlive the cache.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveResult upserts a finished game.
func (r *Repository) SaveResult(ctx context.Context, g *domain.Game, method string) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}

	boardRaw, _ := json.Marshal(g.Board)
	movesRaw, _ := json.Marshal(g.Moves)
	endedAt := time.Now()
	if g.EndedAt != nil {
		endedAt = *g.EndedAt
	}
	var blackDelta, whiteDelta sql.NullInt64
	if g.BlackRatingChange != nil {
		blackDelta = sql.NullInt64{Int64: int64(*g.BlackRatingChange), Valid: true}
	}
	if g.WhiteRatingChange != nil {
		whiteDelta = sql.NullInt64{Int64: int64(*g.WhiteRatingChange), Valid: true}
	}

	const q = `INSERT INTO riverthello_games (
	    game_id, black_player_id, white_player_id,
	    winner, result_method, black_score, white_score,
	    black_rating_change, white_rating_change,
	    board, moves, started_at, ended_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11::jsonb,$12,$13
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    winner=EXCLUDED.winner,
	    result_method=EXCLUDED.result_method,
	    black_score=EXCLUDED.black_score,
	    white_score=EXCLUDED.white_score,
	    black_rating_change=EXCLUDED.black_rating_change,
	    white_rating_change=EXCLUDED.white_rating_change,
	    board=EXCLUDED.board,
	    moves=EXCLUDED.moves,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at`

	_, err := r.db.ExecContext(ctx, q,
		g.ID, g.BlackPlayerID, g.WhitePlayerID,
		string(g.Winner), strings.TrimSpace(method), g.BlackScore, g.WhiteScore,
		blackDelta, whiteDelta,
		string(boardRaw), string(movesRaw), g.StartedAt, endedAt,
	)
	return err
}
