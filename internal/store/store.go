package store

import (
	"context"
	"errors"

	"riverthello/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvitationNotFound = errors.New("invitation not found")
)

// UserStore owns player records. UpdateRating and UpdateStats are each called
// exactly once per player per game completion by the session manager.
type UserStore interface {
	CreateUser(ctx context.Context, username, displayName string) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateRating(ctx context.Context, id int64, newRating int) (*domain.User, error)
	UpdateStats(ctx context.Context, id int64, won, tied bool) (*domain.User, error)
	TopRated(ctx context.Context, limit int) ([]*domain.User, error)
}

// InvitationStore owns game invitations.
type InvitationStore interface {
	CreateInvitation(ctx context.Context, senderID, receiverID int64) (*domain.Invitation, error)
	InvitationsByUser(ctx context.Context, userID int64) ([]*domain.Invitation, error)
	UpdateInvitationStatus(ctx context.Context, id int64, status domain.InvitationStatus) (*domain.Invitation, error)
}
