package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"riverthello/internal/domain"
)

// MemStore is an in-memory UserStore/InvitationStore used when no database is
// configured, and by tests.
type MemStore struct {
	mu sync.RWMutex

	nextUserID   int64
	nextInviteID int64

	users       map[int64]*domain.User
	invitations map[int64]*domain.Invitation
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[int64]*domain.User),
		invitations: make(map[int64]*domain.Invitation),
	}
}

func (m *MemStore) CreateUser(ctx context.Context, username, displayName string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return nil, ErrDuplicateUsername
		}
	}
	m.nextUserID++
	u := &domain.User{
		ID:          m.nextUserID,
		Username:    username,
		DisplayName: strings.TrimSpace(displayName),
		Rating:      1200,
		CreatedAt:   time.Now(),
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == strings.TrimSpace(username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemStore) UpdateRating(ctx context.Context, id int64, newRating int) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Rating = newRating
	cp := *u
	return &cp, nil
}

func (m *MemStore) UpdateStats(ctx context.Context, id int64, won, tied bool) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.GamesPlayed++
	switch {
	case won:
		u.GamesWon++
	case tied:
		u.GamesTied++
	default:
		u.GamesLost++
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) TopRated(ctx context.Context, limit int) ([]*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*domain.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Rating != list[j].Rating {
			return list[i].Rating > list[j].Rating
		}
		return list[i].ID < list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemStore) CreateInvitation(ctx context.Context, senderID, receiverID int64) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInviteID++
	now := time.Now()
	inv := &domain.Invitation{
		ID:         m.nextInviteID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     domain.InvitationPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	m.invitations[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (m *MemStore) InvitationsByUser(ctx context.Context, userID int64) ([]*domain.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*domain.Invitation
	for _, inv := range m.invitations {
		if inv.Status != domain.InvitationPending {
			continue
		}
		if inv.SenderID == userID || inv.ReceiverID == userID {
			cp := *inv
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (m *MemStore) UpdateInvitationStatus(ctx context.Context, id int64, status domain.InvitationStatus) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	inv.Status = status
	cp := *inv
	return &cp, nil
}
