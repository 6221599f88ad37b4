package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"riverthello/internal/board"
	"riverthello/internal/domain"
	"riverthello/internal/session"
	"riverthello/internal/store"
)

// fakeTransport is an in-process Transport backed by channels, standing in
// for a websocket in tests.
type fakeTransport struct {
	in     chan *Envelope
	out    chan Outbound
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *Envelope, 8),
		out:    make(chan Outbound, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadEnvelope(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteEnvelope(ctx context.Context, out Outbound) error {
	select {
	case t.out <- out:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func newTestHub(t *testing.T) (*Hub, *session.Manager, *store.MemStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	users := store.NewMemStore()
	m, err := session.NewManager(fmt.Sprintf("redis://%s/0", mr.Addr()), users)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return New(m, users), m, users, mr
}

func connect(t *testing.T, h *Hub) *fakeTransport {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ft := newFakeTransport()
	go h.HandleConn(ctx, ft)
	return ft
}

func send(t *testing.T, ft *fakeTransport, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", msgType, err)
	}
	select {
	case ft.in <- &Envelope{Type: msgType, Payload: raw}:
	case <-time.After(2 * time.Second):
		t.Fatalf("send %s timed out", msgType)
	}
}

func recv(t *testing.T, ft *fakeTransport, wantType string) Outbound {
	t.Helper()
	select {
	case out := <-ft.out:
		if out.Type != wantType {
			t.Fatalf("received %s (payload %+v), want %s", out.Type, out.Payload, wantType)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", wantType)
		return Outbound{}
	}
}

func auth(t *testing.T, ft *fakeTransport, userID int64) {
	t.Helper()
	send(t, ft, TypeAuth, AuthPayload{UserID: userID})
	recv(t, ft, TypeAuthSuccess)
}

func join(t *testing.T, ft *fakeTransport, gameID int64) GameStatePayload {
	t.Helper()
	send(t, ft, TypeJoinGame, JoinGamePayload{GameID: gameID})
	out := recv(t, ft, TypeGameState)
	state, ok := out.Payload.(GameStatePayload)
	if !ok {
		t.Fatalf("GAME_STATE payload has type %T", out.Payload)
	}
	return state
}

// seatedGame creates two users, a game between them, and two authenticated,
// joined connections (black first).
func seatedGame(t *testing.T, h *Hub, m *session.Manager, users *store.MemStore) (*domain.Game, *fakeTransport, *fakeTransport) {
	t.Helper()
	ctx := context.Background()
	black, err := users.CreateUser(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	white, err := users.CreateUser(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	g, err := m.CreateGame(ctx, black.ID, white.ID)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	blackConn := connect(t, h)
	whiteConn := connect(t, h)
	auth(t, blackConn, black.ID)
	auth(t, whiteConn, white.ID)
	join(t, blackConn, g.ID)
	join(t, whiteConn, g.ID)
	return g, blackConn, whiteConn
}

func TestAuth(t *testing.T) {
	h, _, users, _ := newTestHub(t)
	u, err := users.CreateUser(context.Background(), "alice", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	ft := connect(t, h)

	send(t, ft, TypeAuth, AuthPayload{UserID: 999})
	out := recv(t, ft, TypeError)
	if p := out.Payload.(ErrorPayload); !strings.Contains(p.Message, "user not found") {
		t.Fatalf("error message = %q", p.Message)
	}

	send(t, ft, TypeAuth, AuthPayload{UserID: u.ID})
	out = recv(t, ft, TypeAuthSuccess)
	if p := out.Payload.(AuthSuccessPayload); p.UserID != u.ID {
		t.Fatalf("auth success for user %d, want %d", p.UserID, u.ID)
	}
}

func TestUnauthenticatedActionsRejected(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	ft := connect(t, h)

	send(t, ft, TypeJoinGame, JoinGamePayload{GameID: 1})
	out := recv(t, ft, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != errAuth.Error() {
		t.Fatalf("error message = %q, want %q", p.Message, errAuth.Error())
	}
	send(t, ft, TypeMakeMove, MakeMovePayload{GameID: 1, Row: 2, Col: 3})
	recv(t, ft, TypeError)
}

func TestUnknownMessageType(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	ft := connect(t, h)
	send(t, ft, "TELEPORT", struct{}{})
	out := recv(t, ft, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != errMalformed.Error() {
		t.Fatalf("error message = %q, want %q", p.Message, errMalformed.Error())
	}
}

func TestJoinSendsSnapshot(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, _, _ := seatedGame(t, h, m, users)

	// A third, late connection for black gets the same snapshot.
	black, err := users.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}
	late := connect(t, h)
	auth(t, late, black.ID)
	state := join(t, late, g.ID)
	if state.GameID != g.ID || state.CurrentTurn != board.Black {
		t.Fatalf("snapshot = game %d turn %q", state.GameID, state.CurrentTurn)
	}
	if state.BlackScore != 2 || state.WhiteScore != 2 || len(state.ValidMoves) != 4 {
		t.Fatalf("snapshot = scores (%d, %d), %d valid moves", state.BlackScore, state.WhiteScore, len(state.ValidMoves))
	}
	if state.BlackPlayer == nil || state.BlackPlayer.Username != "alice" {
		t.Fatalf("snapshot black player = %+v", state.BlackPlayer)
	}
}

func TestJoinRejectsOutsiders(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, _, _ := seatedGame(t, h, m, users)

	outsider, err := users.CreateUser(context.Background(), "carol", "Carol")
	if err != nil {
		t.Fatalf("create carol: %v", err)
	}
	ft := connect(t, h)
	auth(t, ft, outsider.ID)
	send(t, ft, TypeJoinGame, JoinGamePayload{GameID: g.ID})
	out := recv(t, ft, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != session.ErrNotParticipant.Error() {
		t.Fatalf("error message = %q", p.Message)
	}
}

func TestMoveBroadcastsToAllSubscribers(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 2, Col: 3})
	for _, ft := range []*fakeTransport{blackConn, whiteConn} {
		out := recv(t, ft, TypeGameUpdated)
		p, ok := out.Payload.(GameUpdatedPayload)
		if !ok {
			t.Fatalf("GAME_UPDATED payload has type %T", out.Payload)
		}
		if p.GameID != g.ID || p.CurrentTurn != board.White {
			t.Fatalf("update = game %d turn %q", p.GameID, p.CurrentTurn)
		}
		if p.BlackScore != 4 || p.WhiteScore != 1 {
			t.Fatalf("update scores = (%d, %d)", p.BlackScore, p.WhiteScore)
		}
		if p.LastMove.Row != 2 || p.LastMove.Col != 3 || p.LastMove.Player != board.Black {
			t.Fatalf("update last move = %+v", p.LastMove)
		}
	}
}

func TestMoveErrorGoesToActorOnly(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	// Illegal cell: the rejection reaches black, nothing reaches white.
	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 0, Col: 0})
	out := recv(t, blackConn, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != session.ErrInvalidMove.Error() {
		t.Fatalf("error message = %q", p.Message)
	}

	// A following legal move is the next thing either side hears; had the
	// rejection been broadcast, white's queue would hold an ERROR here.
	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 2, Col: 3})
	recv(t, whiteConn, TypeGameUpdated)
	recv(t, blackConn, TypeGameUpdated)
}

func TestTurnSkippedBroadcast(t *testing.T) {
	h, m, users, mr := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	ctx := context.Background()
	stored, err := m.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b := board.Initial()
	for r := range b {
		for c := range b[r] {
			b[r][c] = board.Empty
		}
	}
	b[3][1] = board.CellWhite
	b[3][2] = board.CellBlack
	b[7][6] = board.CellWhite
	b[7][7] = board.CellBlack
	stored.Board = b
	stored.BlackScore, stored.WhiteScore = b.Scores()
	stored.ValidMoves = b.LegalMoves(board.Black)
	raw, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal crafted game: %v", err)
	}
	if err := mr.Set(fmt.Sprintf("rvt:game:%d", g.ID), string(raw)); err != nil {
		t.Fatalf("save crafted game: %v", err)
	}

	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 3, Col: 0})
	for _, ft := range []*fakeTransport{blackConn, whiteConn} {
		out := recv(t, ft, TypeTurnSkipped)
		p, ok := out.Payload.(TurnSkippedPayload)
		if !ok {
			t.Fatalf("TURN_SKIPPED payload has type %T", out.Payload)
		}
		if p.NextTurn != board.Black {
			t.Fatalf("next turn = %q, want black", p.NextTurn)
		}
		if !strings.Contains(p.Message, "no valid moves") {
			t.Fatalf("skip message = %q", p.Message)
		}
	}
}

func TestResignBroadcastsGameOver(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	send(t, blackConn, TypeResign, ResignPayload{GameID: g.ID})
	for _, ft := range []*fakeTransport{blackConn, whiteConn} {
		out := recv(t, ft, TypeGameOver)
		p, ok := out.Payload.(GameOverPayload)
		if !ok {
			t.Fatalf("GAME_OVER payload has type %T", out.Payload)
		}
		if !p.Resigned || p.ResignedBy != board.Black {
			t.Fatalf("resign payload = resigned %v by %q", p.Resigned, p.ResignedBy)
		}
		if p.Winner != domain.WinnerWhite {
			t.Fatalf("winner = %q, want white", p.Winner)
		}
		if p.WhiteRatingChange != 16 || p.BlackRatingChange != -16 {
			t.Fatalf("rating changes = (%d, %d)", p.BlackRatingChange, p.WhiteRatingChange)
		}
		if p.WhitePlayer == nil || p.WhitePlayer.Rating != 1216 {
			t.Fatalf("white player after resign = %+v", p.WhitePlayer)
		}
	}
}

func TestChatBroadcast(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	send(t, blackConn, TypeSendChat, SendChatPayload{GameID: g.ID, Message: "good luck"})
	for _, ft := range []*fakeTransport{blackConn, whiteConn} {
		out := recv(t, ft, TypeChatMessage)
		p, ok := out.Payload.(ChatMessagePayload)
		if !ok {
			t.Fatalf("CHAT_MESSAGE payload has type %T", out.Payload)
		}
		if p.Message == nil || p.Message.Message != "good luck" {
			t.Fatalf("chat payload = %+v", p.Message)
		}
		if p.User == nil || p.User.Username != "alice" {
			t.Fatalf("chat sender = %+v", p.User)
		}
	}

	// The line is also in the persisted history.
	msgs, err := m.ChatHistory(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Message != "good luck" {
		t.Fatalf("persisted chat = %+v", msgs)
	}
}

// With a second connection bound for the same user, failures of anything but
// MAKE_MOVE must still answer the connection that sent the message; only move
// rejections prefer the bound connection.
func TestErrorsAnswerOriginatingConnection(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, _ := seatedGame(t, h, m, users)
	black, err := users.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}

	// Supersede blackConn's binding; it stays open and joined.
	second := connect(t, h)
	auth(t, second, black.ID)

	send(t, blackConn, TypeJoinGame, JoinGamePayload{GameID: g.ID + 100})
	out := recv(t, blackConn, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != session.ErrGameNotFound.Error() {
		t.Fatalf("error message = %q", p.Message)
	}

	send(t, blackConn, TypeAuth, AuthPayload{UserID: 999})
	out = recv(t, blackConn, TypeError)
	if p := out.Payload.(ErrorPayload); !strings.Contains(p.Message, "user not found") {
		t.Fatalf("error message = %q", p.Message)
	}

	// A move rejection from the superseded connection reaches the bound one.
	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 0, Col: 0})
	out = recv(t, second, TypeError)
	if p := out.Payload.(ErrorPayload); p.Message != session.ErrInvalidMove.Error() {
		t.Fatalf("error message = %q", p.Message)
	}
}

// Actions against games nobody has joined must not accumulate per-game
// mutexes.
func TestUnjoinedGameActionsLeaveNoLocks(t *testing.T) {
	h, _, users, _ := newTestHub(t)
	u, err := users.CreateUser(context.Background(), "alice", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	ft := connect(t, h)
	auth(t, ft, u.ID)

	send(t, ft, TypeMakeMove, MakeMovePayload{GameID: 42, Row: 2, Col: 3})
	recv(t, ft, TypeError)
	send(t, ft, TypeResign, ResignPayload{GameID: 77})
	recv(t, ft, TypeError)

	h.mu.RLock()
	n := len(h.locks)
	h.mu.RUnlock()
	if n != 0 {
		t.Fatalf("leftover game locks = %d, want 0", n)
	}
}

func TestReauthConcurrentWithBroadcasts(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)
	black, err := users.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			h.broadcast(g.ID, Outbound{Type: TypeChatMessage, Payload: ChatMessagePayload{}})
		}
	}()
	for i := 0; i < 10; i++ {
		send(t, blackConn, TypeAuth, AuthPayload{UserID: black.ID})
	}
	wg.Wait()

	var chats, auths int
	for i := 0; i < 40; i++ {
		select {
		case out := <-blackConn.out:
			switch out.Type {
			case TypeChatMessage:
				chats++
			case TypeAuthSuccess:
				auths++
			default:
				t.Fatalf("unexpected message %s", out.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages (chats=%d auths=%d)", i, chats, auths)
		}
	}
	if chats != 30 || auths != 10 {
		t.Fatalf("received %d chats and %d auth acks, want 30 and 10", chats, auths)
	}
	// The other subscriber got every broadcast too.
	for i := 0; i < 30; i++ {
		recv(t, whiteConn, TypeChatMessage)
	}
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	h, m, users, _ := newTestHub(t)
	g, blackConn, whiteConn := seatedGame(t, h, m, users)

	_ = whiteConn.Close()
	// Wait for the reader goroutine to detach the connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.RLock()
		n := len(h.subs[g.ID])
		h.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Broadcasts still reach the remaining subscriber.
	send(t, blackConn, TypeMakeMove, MakeMovePayload{GameID: g.ID, Row: 2, Col: 3})
	recv(t, blackConn, TypeGameUpdated)
}
