package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"riverthello/internal/domain"
	"riverthello/internal/obslog"
	"riverthello/internal/session"
	"riverthello/internal/store"
)

// Transport is one bidirectional client channel. ReadEnvelope blocks until a
// message arrives or the peer goes away; WriteEnvelope must be safe for use
// from the connection's single writer goroutine.
type Transport interface {
	ReadEnvelope(ctx context.Context) (*Envelope, error)
	WriteEnvelope(ctx context.Context, out Outbound) error
	Close() error
}

// sendBuffer is the per-connection outbound queue depth. A subscriber that
// cannot drain this many messages is dropped rather than stalling the game.
const sendBuffer = 64

// Conn is one connected client.
type Conn struct {
	id        string
	transport Transport

	send      chan Outbound
	closed    chan struct{}
	closeOnce sync.Once

	// userID is 0 until a successful AUTH. Written by the connection's reader
	// goroutine, read by broadcasting goroutines, hence atomic.
	userID atomic.Int64
}

func (c *Conn) enqueue(out Outbound) {
	select {
	case c.send <- out:
	case <-c.closed:
	default:
		// Slow consumer: drop the connection, never block the hub.
		obslog.L().Warn("ws_backpressure_drop", zap.String("conn_id", c.id), zap.Int64("user_id", c.userID.Load()))
		c.shutdown()
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close()
	})
}

// Hub routes client actions to the session manager and fans state
// transitions out to every subscriber of the affected game.
type Hub struct {
	sessions *session.Manager
	users    store.UserStore

	mu     sync.RWMutex
	byUser map[int64]*Conn              // one bound connection per user id, last AUTH wins
	subs   map[int64]map[*Conn]struct{} // game id -> subscriber set
	locks  map[int64]*sync.Mutex        // game id -> broadcast-order lock
}

func New(sessions *session.Manager, users store.UserStore) *Hub {
	return &Hub{
		sessions: sessions,
		users:    users,
		byUser:   make(map[int64]*Conn),
		subs:     make(map[int64]map[*Conn]struct{}),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// gameLock returns the per-game mutex that serializes mutate-then-broadcast
// sequences, keeping broadcasts FIFO per game while unrelated games stay
// independent.
func (h *Hub) gameLock(gameID int64) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[gameID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[gameID] = l
	}
	return l
}

// withGameLock runs fn holding the game's broadcast-order lock, then discards
// the lock if the game has no subscriber set: actions against unknown or
// never-joined games must not leave mutexes behind. Locks for subscribed
// games are reaped with the subscriber set on the last detach.
func (h *Hub) withGameLock(gameID int64, fn func() error) error {
	l := h.gameLock(gameID)
	l.Lock()
	err := fn()
	l.Unlock()

	h.mu.Lock()
	if _, ok := h.subs[gameID]; !ok {
		delete(h.locks, gameID)
	}
	h.mu.Unlock()
	return err
}

// HandleConn serves one connection until the peer disconnects or ctx ends.
func (h *Hub) HandleConn(ctx context.Context, t Transport) {
	c := &Conn{
		id:        uuid.NewString(),
		transport: t,
		send:      make(chan Outbound, sendBuffer),
		closed:    make(chan struct{}),
	}
	obslog.L().Info("ws_connect", zap.String("conn_id", c.id))

	go h.writeLoop(ctx, c)
	defer h.detach(c)

	for {
		env, err := t.ReadEnvelope(ctx)
		if err != nil {
			obslog.L().Info("ws_disconnect", zap.String("conn_id", c.id), zap.Int64("user_id", c.userID.Load()))
			return
		}
		h.route(ctx, c, env)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case out := <-c.send:
			if err := c.transport.WriteEnvelope(ctx, out); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			c.shutdown()
			return
		}
	}
}

// detach removes the connection from the user table (when it is still the
// bound connection for its user) and from every subscriber set; empty sets
// are discarded. Game sessions are unaffected.
func (h *Hub) detach(c *Conn) {
	c.shutdown()
	h.mu.Lock()
	defer h.mu.Unlock()
	if id := c.userID.Load(); id != 0 && h.byUser[id] == c {
		delete(h.byUser, id)
	}
	for gameID, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, gameID)
			delete(h.locks, gameID)
		}
	}
}

func (h *Hub) route(ctx context.Context, c *Conn, env *Envelope) {
	var err error
	switch env.Type {
	case TypeAuth:
		err = h.handleAuth(ctx, c, env.Payload)
	case TypeJoinGame:
		err = h.handleJoin(ctx, c, env.Payload)
	case TypeMakeMove:
		err = h.handleMove(ctx, c, env.Payload)
	case TypeSendChat:
		err = h.handleChat(ctx, c, env.Payload)
	case TypeResign:
		err = h.handleResign(ctx, c, env.Payload)
	default:
		err = errMalformed
	}
	if err == nil {
		return
	}
	// Every handler failure is answered on the originating connection; move
	// rejections alone prefer the acting user's bound connection, so a player
	// who has not joined the game room still hears about them.
	target := c
	if env.Type == TypeMakeMove {
		target = h.boundConn(c)
	}
	target.enqueue(Outbound{Type: TypeError, Payload: ErrorPayload{Message: err.Error()}})
}

var (
	errMalformed = errors.New("invalid message format")
	errAuth      = errors.New("not authenticated")
)

// boundConn resolves c's user to the connection currently bound for that
// user, falling back to c itself.
func (h *Hub) boundConn(c *Conn) *Conn {
	id := c.userID.Load()
	if id == 0 {
		return c
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if bound, ok := h.byUser[id]; ok {
		return bound
	}
	return c
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var p T
	if len(raw) == 0 {
		return nil, errMalformed
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errMalformed
	}
	return &p, nil
}

func (h *Hub) handleAuth(ctx context.Context, c *Conn, raw json.RawMessage) error {
	p, err := decode[AuthPayload](raw)
	if err != nil {
		return err
	}
	if p.UserID == 0 {
		return fmt.Errorf("authentication failed: user id is required")
	}
	user, err := h.users.GetUser(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fmt.Errorf("authentication failed: user not found")
		}
		return err
	}

	h.mu.Lock()
	// Last AUTH wins: a second connection for the same user supersedes the
	// previous registration without closing it.
	if prev := c.userID.Load(); prev != 0 && h.byUser[prev] == c {
		delete(h.byUser, prev)
	}
	c.userID.Store(user.ID)
	h.byUser[user.ID] = c
	h.mu.Unlock()

	obslog.L().Info("ws_auth", zap.String("conn_id", c.id), zap.Int64("user_id", user.ID))
	c.enqueue(Outbound{Type: TypeAuthSuccess, Payload: AuthSuccessPayload{
		UserID:  user.ID,
		Message: "successfully authenticated",
	}})
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, c *Conn, raw json.RawMessage) error {
	userID := c.userID.Load()
	if userID == 0 {
		return errAuth
	}
	p, err := decode[JoinGamePayload](raw)
	if err != nil {
		return err
	}
	g, err := h.sessions.Get(ctx, p.GameID)
	if err != nil {
		return err
	}
	if g == nil {
		return session.ErrGameNotFound
	}
	if !g.IsParticipant(userID) {
		return session.ErrNotParticipant
	}

	blackPlayer, whitePlayer, err := h.players(ctx, g)
	if err != nil {
		return err
	}
	chat, err := h.sessions.ChatHistory(ctx, g.ID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	set, ok := h.subs[g.ID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.subs[g.ID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	obslog.L().Info("ws_join_game", zap.String("conn_id", c.id), zap.Int64("user_id", userID), zap.Int64("game_id", g.ID))
	c.enqueue(Outbound{Type: TypeGameState, Payload: GameStatePayload{
		GameID:       g.ID,
		Board:        g.Board,
		CurrentTurn:  g.CurrentTurn,
		BlackScore:   g.BlackScore,
		WhiteScore:   g.WhiteScore,
		BlackPlayer:  blackPlayer,
		WhitePlayer:  whitePlayer,
		ValidMoves:   g.ValidMoves,
		Moves:        g.Moves,
		Status:       g.Status,
		Winner:       g.Winner,
		ChatMessages: chat,
	}})
	return nil
}

func (h *Hub) handleMove(ctx context.Context, c *Conn, raw json.RawMessage) error {
	userID := c.userID.Load()
	if userID == 0 {
		return errAuth
	}
	p, err := decode[MakeMovePayload](raw)
	if err != nil {
		return err
	}

	return h.withGameLock(p.GameID, func() error {
		res, err := h.sessions.MakeMove(ctx, p.GameID, userID, p.Row, p.Col)
		if err != nil {
			return err
		}
		g := res.Game

		switch res.Event {
		case session.EventOver:
			h.broadcast(g.ID, Outbound{Type: TypeGameOver, Payload: GameOverPayload{
				GameID:            g.ID,
				Board:             g.Board,
				BlackScore:        g.BlackScore,
				WhiteScore:        g.WhiteScore,
				Winner:            g.Winner,
				BlackRatingChange: derefInt(g.BlackRatingChange),
				WhiteRatingChange: derefInt(g.WhiteRatingChange),
				BlackPlayer:       res.BlackPlayer,
				WhitePlayer:       res.WhitePlayer,
			}})
		case session.EventSkipped:
			skipped := res.LastMove.Player.Opponent()
			h.broadcast(g.ID, Outbound{Type: TypeTurnSkipped, Payload: TurnSkippedPayload{
				GameID:   g.ID,
				Message:  fmt.Sprintf("no valid moves for %s, %s goes again", skipped, g.CurrentTurn),
				NextTurn: g.CurrentTurn,
			}})
		default:
			blackPlayer, whitePlayer, perr := h.players(ctx, g)
			if perr != nil {
				return perr
			}
			h.broadcast(g.ID, Outbound{Type: TypeGameUpdated, Payload: GameUpdatedPayload{
				GameID:      g.ID,
				Board:       g.Board,
				CurrentTurn: g.CurrentTurn,
				BlackScore:  g.BlackScore,
				WhiteScore:  g.WhiteScore,
				BlackPlayer: blackPlayer,
				WhitePlayer: whitePlayer,
				ValidMoves:  g.ValidMoves,
				LastMove:    res.LastMove,
				Status:      g.Status,
			}})
		}
		return nil
	})
}

func (h *Hub) handleChat(ctx context.Context, c *Conn, raw json.RawMessage) error {
	userID := c.userID.Load()
	if userID == 0 {
		return errAuth
	}
	p, err := decode[SendChatPayload](raw)
	if err != nil {
		return err
	}
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	return h.withGameLock(p.GameID, func() error {
		// Persist before broadcasting so relayed chat is never ahead of history.
		msg, err := h.sessions.AppendChat(ctx, p.GameID, userID, p.Message)
		if err != nil {
			return err
		}
		h.broadcast(p.GameID, Outbound{Type: TypeChatMessage, Payload: ChatMessagePayload{
			Message: msg,
			User:    user,
		}})
		return nil
	})
}

func (h *Hub) handleResign(ctx context.Context, c *Conn, raw json.RawMessage) error {
	userID := c.userID.Load()
	if userID == 0 {
		return errAuth
	}
	p, err := decode[ResignPayload](raw)
	if err != nil {
		return err
	}

	return h.withGameLock(p.GameID, func() error {
		res, resignedBy, err := h.sessions.Resign(ctx, p.GameID, userID)
		if err != nil {
			return err
		}
		g := res.Game
		h.broadcast(g.ID, Outbound{Type: TypeGameOver, Payload: GameOverPayload{
			GameID:            g.ID,
			Board:             g.Board,
			BlackScore:        g.BlackScore,
			WhiteScore:        g.WhiteScore,
			Winner:            g.Winner,
			BlackRatingChange: derefInt(g.BlackRatingChange),
			WhiteRatingChange: derefInt(g.WhiteRatingChange),
			BlackPlayer:       res.BlackPlayer,
			WhitePlayer:       res.WhitePlayer,
			Resigned:          true,
			ResignedBy:        resignedBy,
		}})
		return nil
	})
}

// broadcast enqueues an envelope for every subscriber of the game.
func (h *Hub) broadcast(gameID int64, out Outbound) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.subs[gameID]))
	for c := range h.subs[gameID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(out)
	}
}

func (h *Hub) players(ctx context.Context, g *domain.Game) (*domain.User, *domain.User, error) {
	blackPlayer, err := h.users.GetUser(ctx, g.BlackPlayerID)
	if err != nil {
		return nil, nil, err
	}
	whitePlayer, err := h.users.GetUser(ctx, g.WhitePlayerID)
	if err != nil {
		return nil, nil, err
	}
	return blackPlayer, whitePlayer, nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
