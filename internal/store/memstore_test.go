package store

import (
	"context"
	"errors"
	"testing"

	"riverthello/internal/domain"
)

func TestCreateUserAndDuplicate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "  alice ", "Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Username != "alice" {
		t.Fatalf("username = %q, want trimmed %q", u.Username, "alice")
	}
	if u.Rating != 1200 {
		t.Fatalf("starting rating = %d, want 1200", u.Rating)
	}

	if _, err := s.CreateUser(ctx, "alice", "Other"); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateUsername", err)
	}

	byName, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || byName.ID != u.ID {
		t.Fatalf("GetUserByUsername = %+v, %v", byName, err)
	}
	if _, err := s.GetUser(ctx, 999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user err = %v, want ErrUserNotFound", err)
	}
}

func TestUpdateStatsCounters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := s.UpdateStats(ctx, u.ID, true, false); err != nil {
		t.Fatalf("UpdateStats win: %v", err)
	}
	if _, err := s.UpdateStats(ctx, u.ID, false, true); err != nil {
		t.Fatalf("UpdateStats tie: %v", err)
	}
	got, err := s.UpdateStats(ctx, u.ID, false, false)
	if err != nil {
		t.Fatalf("UpdateStats loss: %v", err)
	}
	if got.GamesPlayed != 3 || got.GamesWon != 1 || got.GamesTied != 1 || got.GamesLost != 1 {
		t.Fatalf("counters = %+v", got)
	}
}

func TestUpdateRatingDoesNotAliasCallers(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	updated, err := s.UpdateRating(ctx, u.ID, 1300)
	if err != nil || updated.Rating != 1300 {
		t.Fatalf("UpdateRating = %+v, %v", updated, err)
	}
	// Mutating a returned record must not leak into the store.
	updated.Rating = 1
	fresh, err := s.GetUser(ctx, u.ID)
	if err != nil || fresh.Rating != 1300 {
		t.Fatalf("stored rating = %+v, %v", fresh, err)
	}
}

func TestTopRatedOrdering(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	a, _ := s.CreateUser(ctx, "alice", "Alice")
	b, _ := s.CreateUser(ctx, "bob", "Bob")
	c, _ := s.CreateUser(ctx, "carol", "Carol")
	if _, err := s.UpdateRating(ctx, b.ID, 1400); err != nil {
		t.Fatalf("UpdateRating: %v", err)
	}

	list, err := s.TopRated(ctx, 10)
	if err != nil {
		t.Fatalf("TopRated: %v", err)
	}
	if len(list) != 3 || list[0].ID != b.ID {
		t.Fatalf("order = %+v, want bob first", list)
	}
	// Equal ratings break ties by id.
	if list[1].ID != a.ID || list[2].ID != c.ID {
		t.Fatalf("tie order = %d then %d, want %d then %d", list[1].ID, list[2].ID, a.ID, c.ID)
	}

	limited, err := s.TopRated(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited = %+v, %v", limited, err)
	}
}

func TestInvitationsPendingOnly(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	a, _ := s.CreateUser(ctx, "alice", "Alice")
	b, _ := s.CreateUser(ctx, "bob", "Bob")

	inv1, err := s.CreateInvitation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	inv2, err := s.CreateInvitation(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}

	if _, err := s.UpdateInvitationStatus(ctx, inv1.ID, domain.InvitationDeclined); err != nil {
		t.Fatalf("UpdateInvitationStatus: %v", err)
	}
	list, err := s.InvitationsByUser(ctx, a.ID)
	if err != nil {
		t.Fatalf("InvitationsByUser: %v", err)
	}
	if len(list) != 1 || list[0].ID != inv2.ID {
		t.Fatalf("pending list = %+v, want only invitation %d", list, inv2.ID)
	}

	if _, err := s.UpdateInvitationStatus(ctx, 999, domain.InvitationAccepted); !errors.Is(err, ErrInvitationNotFound) {
		t.Fatalf("missing invitation err = %v, want ErrInvitationNotFound", err)
	}
}
