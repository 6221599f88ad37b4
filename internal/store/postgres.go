package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"riverthello/internal/domain"
)

// PostgresStore implements UserStore and InvitationStore on postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared connection pool for sibling repositories.
func (s *PostgresStore) DB() *sql.DB { return s.db }

const userColumns = `id, username, display_name, rating, games_played, games_won, games_lost, games_tied, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	var displayName sql.NullString
	err := row.Scan(
		&u.ID,
		&u.Username,
		&displayName,
		&u.Rating,
		&u.GamesPlayed,
		&u.GamesWon,
		&u.GamesLost,
		&u.GamesTied,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, displayName string) (*domain.User, error) {
	const query = `
		INSERT INTO users (username, display_name, rating)
		VALUES ($1, $2, 1200)
		RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(ctx, query, strings.TrimSpace(username), strings.TrimSpace(displayName)))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user by username: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateRating(ctx context.Context, id int64, newRating int) (*domain.User, error) {
	const query = `UPDATE users SET rating = $2 WHERE id = $1 RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id, newRating))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update rating: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateStats(ctx context.Context, id int64, won, tied bool) (*domain.User, error) {
	const query = `
		UPDATE users SET
			games_played = games_played + 1,
			games_won  = games_won  + CASE WHEN $2 THEN 1 ELSE 0 END,
			games_tied = games_tied + CASE WHEN (NOT $2 AND $3) THEN 1 ELSE 0 END,
			games_lost = games_lost + CASE WHEN (NOT $2 AND NOT $3) THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id, won, tied))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update stats: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) TopRated(ctx context.Context, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY rating DESC, id ASC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()
	users := make([]*domain.User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const invitationColumns = `id, sender_id, receiver_id, status, created_at, expires_at`

func scanInvitation(row interface{ Scan(...any) error }) (*domain.Invitation, error) {
	var inv domain.Invitation
	if err := row.Scan(&inv.ID, &inv.SenderID, &inv.ReceiverID, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, senderID, receiverID int64) (*domain.Invitation, error) {
	const query = `
		INSERT INTO game_invitations (sender_id, receiver_id, status, expires_at)
		VALUES ($1, $2, 'pending', NOW() + INTERVAL '24 hours')
		RETURNING ` + invitationColumns
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, query, senderID, receiverID))
	if err != nil {
		return nil, fmt.Errorf("insert invitation: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) InvitationsByUser(ctx context.Context, userID int64) ([]*domain.Invitation, error) {
	const query = `
		SELECT ` + invitationColumns + `
		FROM game_invitations
		WHERE (sender_id = $1 OR receiver_id = $1) AND status = 'pending'
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("select invitations: %w", err)
	}
	defer rows.Close()
	var list []*domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		list = append(list, inv)
	}
	return list, rows.Err()
}

func (s *PostgresStore) UpdateInvitationStatus(ctx context.Context, id int64, status domain.InvitationStatus) (*domain.Invitation, error) {
	const query = `UPDATE game_invitations SET status = $2 WHERE id = $1 RETURNING ` + invitationColumns
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, query, id, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update invitation: %w", err)
	}
	return inv, nil
}
