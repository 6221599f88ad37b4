package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"riverthello/internal/board"
	"riverthello/internal/domain"
	"riverthello/internal/obslog"
	"riverthello/internal/rating"
	"riverthello/internal/store"
)

// Validation errors, in the order checks are applied. The hub maps each to an
// ERROR envelope for the acting connection only.
var (
	ErrGameNotFound   = errors.New("game not found")
	ErrGameNotActive  = errors.New("game is not active")
	ErrNotParticipant = errors.New("you are not a player in this game")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrInvalidMove    = errors.New("invalid move")
	ErrHasActiveGame  = errors.New("player already in an active game")
)

// Event tags a MoveResult with the transition that occurred.
type Event string

const (
	EventUpdated Event = "updated"
	EventSkipped Event = "skipped"
	EventOver    Event = "over"
)

// LastMove describes the move that produced a MoveResult.
type LastMove struct {
	Row    int         `json:"row"`
	Col    int         `json:"col"`
	Player board.Color `json:"player"`
}

// MoveResult is the outcome of MakeMove: the post-move game plus the event
// kind and, on completion, both refreshed player records.
type MoveResult struct {
	Game        *domain.Game
	Event       Event
	LastMove    LastMove
	BlackPlayer *domain.User // set when Event == EventOver
	WhitePlayer *domain.User
}

// Manager is the session directory: it owns every live game record, keyed in
// redis, and applies all mutations through the board engine inside an
// optimistic transaction on the game key. Concurrent moves on the same game
// therefore serialize; the loser re-checks the turn/valid-move preconditions
// against the winner's state and fails cleanly.
type Manager struct {
	rdb   *redis.Client
	users store.UserStore
	repo  *Repository

	nextID func() int64
}

func NewManager(redisURL string, users store.UserStore) (*Manager, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for session manager")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	m := &Manager{rdb: rdb, users: users}
	m.nextID = m.allocateID
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

// AttachRepository wires a database repository for archiving finished games.
func (m *Manager) AttachRepository(r *Repository) {
	if m != nil {
		m.repo = r
	}
}

func (m *Manager) allocateID() int64 {
	id, err := m.rdb.Incr(context.Background(), "rvt:seq:game").Result()
	if err != nil {
		return time.Now().UnixNano()
	}
	return id
}

// CreateGame starts a match between two players, black moving first. Fails
// when either player already has an active game.
func (m *Manager) CreateGame(ctx context.Context, blackPlayerID, whitePlayerID int64) (*domain.Game, error) {
	if blackPlayerID == 0 || whitePlayerID == 0 || blackPlayerID == whitePlayerID {
		return nil, fmt.Errorf("invalid participants")
	}
	if _, err := m.users.GetUser(ctx, blackPlayerID); err != nil {
		return nil, err
	}
	if _, err := m.users.GetUser(ctx, whitePlayerID); err != nil {
		return nil, err
	}
	for _, id := range []int64{blackPlayerID, whitePlayerID} {
		g, err := m.ActiveGameByUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if g != nil {
			return nil, ErrHasActiveGame
		}
	}

	b := board.Initial()
	black, white := b.Scores()
	g := &domain.Game{
		ID:            m.nextID(),
		BlackPlayerID: blackPlayerID,
		WhitePlayerID: whitePlayerID,
		Status:        domain.StatusActive,
		Board:         b,
		CurrentTurn:   board.Black,
		BlackScore:    black,
		WhiteScore:    white,
		ValidMoves:    b.LegalMoves(board.Black),
		Moves:         []domain.Move{},
		StartedAt:     time.Now(),
	}
	if err := m.save(ctx, g); err != nil {
		return nil, err
	}
	if err := m.indexParticipants(ctx, g.ID, blackPlayerID, whitePlayerID); err != nil {
		return nil, err
	}
	obslog.L().Info("game_create",
		zap.Int64("game_id", g.ID),
		zap.Int64("black_id", blackPlayerID),
		zap.Int64("white_id", whitePlayerID),
	)
	return g, nil
}

// Get returns the game by ID, or nil when absent.
func (m *Manager) Get(ctx context.Context, id int64) (*domain.Game, error) {
	raw, err := m.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g domain.Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ActiveGameByUser returns the most recently started active game for a user,
// or nil when the user has none.
func (m *Manager) ActiveGameByUser(ctx context.Context, userID int64) (*domain.Game, error) {
	ids, err := m.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*domain.Game
	for _, id := range ids {
		n, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			continue
		}
		g, gerr := m.Get(ctx, n)
		if gerr == nil && g != nil && g.Status == domain.StatusActive {
			list = append(list, g)
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
	return list[0], nil
}

// History returns the user's finished games, most recently ended first.
func (m *Manager) History(ctx context.Context, userID int64, limit int) ([]*domain.Game, error) {
	ids, err := m.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*domain.Game
	for _, id := range ids {
		n, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			continue
		}
		g, gerr := m.Get(ctx, n)
		if gerr == nil && g != nil && g.Status != domain.StatusActive {
			list = append(list, g)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		ti, tj := list[i].StartedAt, list[j].StartedAt
		if list[i].EndedAt != nil {
			ti = *list[i].EndedAt
		}
		if list[j].EndedAt != nil {
			tj = *list[j].EndedAt
		}
		return ti.After(tj)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// MakeMove validates and applies one move for userID in gameID. Validation
// order: game exists, game active, user participates, user's turn, cell in
// the cached valid-move set. Any violation aborts with no side effect.
func (m *Manager) MakeMove(ctx context.Context, gameID, userID int64, row, col int) (*MoveResult, error) {
	gameK := gameKey(gameID)
	var result *MoveResult

	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		var g domain.Game
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		if g.Status != domain.StatusActive {
			return ErrGameNotActive
		}
		mover := g.ColorOf(userID)
		if mover == "" {
			return ErrNotParticipant
		}
		if mover != g.CurrentTurn {
			return ErrNotYourTurn
		}
		if !containsPoint(g.ValidMoves, row, col) {
			return ErrInvalidMove
		}

		newBoard := g.Board.Apply(row, col, mover)
		next := mover.Opponent()
		nextMoves := newBoard.LegalMoves(next)

		event := EventUpdated
		turn := next
		validMoves := nextMoves
		if len(nextMoves) == 0 {
			moverMoves := newBoard.LegalMoves(mover)
			if len(moverMoves) == 0 {
				event = EventOver
			} else {
				// Opponent has nothing; mover goes again.
				event = EventSkipped
				turn = mover
				validMoves = moverMoves
			}
		}

		g.Board = newBoard
		g.BlackScore, g.WhiteScore = newBoard.Scores()
		g.CurrentTurn = turn
		g.ValidMoves = validMoves
		g.Moves = append(g.Moves, domain.Move{Position: board.Notation(row, col), Player: mover})
		if event == EventOver {
			g.Status = domain.StatusCompleted
			g.Winner = winnerFromScores(g.BlackScore, g.WhiteScore)
			now := time.Now()
			g.EndedAt = &now
			g.ValidMoves = nil
			if err := m.stampRatingChanges(ctx, &g); err != nil {
				return err
			}
		}

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&g)
		pipe.Set(ctx, gameK, newRaw, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		result = &MoveResult{
			Game:     &g,
			Event:    event,
			LastMove: LastMove{Row: row, Col: col, Player: mover},
		}
		return nil
	}, gameK)

	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent mutation won the race; the caller's move is stale.
		return nil, ErrInvalidMove
	}
	if err != nil {
		return nil, err
	}

	obslog.L().Info("move_applied",
		zap.Int64("game_id", gameID),
		zap.Int64("user_id", userID),
		zap.String("position", board.Notation(row, col)),
		zap.String("event", string(result.Event)),
	)

	if result.Event == EventOver {
		if err := m.settle(ctx, result, ""); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Resign completes the game immediately with userID's opponent as winner.
// Scores are taken from the last persisted record, not recomputed.
func (m *Manager) Resign(ctx context.Context, gameID, userID int64) (*MoveResult, board.Color, error) {
	gameK := gameKey(gameID)
	var result *MoveResult
	var resignedBy board.Color

	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		var g domain.Game
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		if g.Status != domain.StatusActive {
			return ErrGameNotActive
		}
		resignedBy = g.ColorOf(userID)
		if resignedBy == "" {
			return ErrNotParticipant
		}

		g.Status = domain.StatusCompleted
		if resignedBy == board.Black {
			g.Winner = domain.WinnerWhite
		} else {
			g.Winner = domain.WinnerBlack
		}
		now := time.Now()
		g.EndedAt = &now
		g.ValidMoves = nil
		if err := m.stampRatingChanges(ctx, &g); err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&g)
		pipe.Set(ctx, gameK, newRaw, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = &MoveResult{Game: &g, Event: EventOver}
		return nil
	}, gameK)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, "", ErrGameNotActive
	}
	if err != nil {
		return nil, "", err
	}

	obslog.L().Info("game_resign",
		zap.Int64("game_id", gameID),
		zap.Int64("user_id", userID),
		zap.String("resigned_by", string(resignedBy)),
	)
	if err := m.settle(ctx, result, "resignation"); err != nil {
		return nil, "", err
	}
	return result, resignedBy, nil
}

// stampRatingChanges computes both Elo deltas and writes them onto the game
// record. It runs inside the completing transaction, before the record is
// persisted, so a completed game is never stored without its deltas; a failed
// player lookup aborts the transaction and the game stays active.
func (m *Manager) stampRatingChanges(ctx context.Context, g *domain.Game) error {
	blackPlayer, err := m.users.GetUser(ctx, g.BlackPlayerID)
	if err != nil {
		return fmt.Errorf("rate black player: %w", err)
	}
	whitePlayer, err := m.users.GetUser(ctx, g.WhitePlayerID)
	if err != nil {
		return fmt.Errorf("rate white player: %w", err)
	}

	blackResult := rating.Draw
	switch g.Winner {
	case domain.WinnerBlack:
		blackResult = rating.Win
	case domain.WinnerWhite:
		blackResult = rating.Loss
	}
	blackDelta := rating.Delta(blackPlayer.Rating, whitePlayer.Rating, blackResult)
	whiteDelta := rating.Delta(whitePlayer.Rating, blackPlayer.Rating, 1-blackResult)
	g.BlackRatingChange = &blackDelta
	g.WhiteRatingChange = &whiteDelta
	return nil
}

// settle applies the completed game's already-stamped deltas to both player
// records, exactly once per game: it is only reachable from the single
// transaction that moved the game out of "active". Refreshes the result's
// player snapshots and archives when a repository is attached. The game
// record itself was made consistent by that transaction, so a store failure
// here loses only the player-record updates, never the game's outcome.
func (m *Manager) settle(ctx context.Context, result *MoveResult, method string) error {
	g := result.Game
	blackPlayer, err := m.users.GetUser(ctx, g.BlackPlayerID)
	if err != nil {
		return fmt.Errorf("settle: black player: %w", err)
	}
	whitePlayer, err := m.users.GetUser(ctx, g.WhitePlayerID)
	if err != nil {
		return fmt.Errorf("settle: white player: %w", err)
	}

	var blackDelta, whiteDelta int
	if g.BlackRatingChange != nil {
		blackDelta = *g.BlackRatingChange
	}
	if g.WhiteRatingChange != nil {
		whiteDelta = *g.WhiteRatingChange
	}

	if _, err := m.users.UpdateRating(ctx, blackPlayer.ID, blackPlayer.Rating+blackDelta); err != nil {
		return fmt.Errorf("settle: black rating: %w", err)
	}
	if _, err := m.users.UpdateRating(ctx, whitePlayer.ID, whitePlayer.Rating+whiteDelta); err != nil {
		return fmt.Errorf("settle: white rating: %w", err)
	}
	tied := g.Winner == domain.WinnerDraw
	updatedBlack, err := m.users.UpdateStats(ctx, blackPlayer.ID, g.Winner == domain.WinnerBlack, tied)
	if err != nil {
		return fmt.Errorf("settle: black stats: %w", err)
	}
	updatedWhite, err := m.users.UpdateStats(ctx, whitePlayer.ID, g.Winner == domain.WinnerWhite, tied)
	if err != nil {
		return fmt.Errorf("settle: white stats: %w", err)
	}
	result.BlackPlayer = updatedBlack
	result.WhitePlayer = updatedWhite

	obslog.L().Info("game_over",
		zap.Int64("game_id", g.ID),
		zap.String("winner", string(g.Winner)),
		zap.Int("black_score", g.BlackScore),
		zap.Int("white_score", g.WhiteScore),
		zap.Int("black_delta", blackDelta),
		zap.Int("white_delta", whiteDelta),
	)

	if m.repo != nil {
		if method == "" {
			method = "board"
		}
		if err := m.repo.SaveResult(ctx, g, method); err != nil {
			obslog.L().Error("game_archive_error", zap.Int64("game_id", g.ID), zap.Error(err))
		}
	}
	return nil
}

func winnerFromScores(black, white int) domain.Winner {
	switch {
	case black > white:
		return domain.WinnerBlack
	case white > black:
		return domain.WinnerWhite
	default:
		return domain.WinnerDraw
	}
}

func containsPoint(pts []board.Point, row, col int) bool {
	for _, p := range pts {
		if p.Row == row && p.Col == col {
			return true
		}
	}
	return false
}

func (m *Manager) save(ctx context.Context, g *domain.Game) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, gameKey(g.ID), raw, 0).Err()
}

func (m *Manager) indexParticipants(ctx context.Context, gameID int64, userIDs ...int64) error {
	for _, id := range userIDs {
		if err := m.rdb.SAdd(ctx, idxUserKey(id), strconv.FormatInt(gameID, 10)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func gameKey(id int64) string     { return "rvt:game:" + strconv.FormatInt(id, 10) }
func idxUserKey(id int64) string  { return "rvt:index:user:" + strconv.FormatInt(id, 10) }
func chatKey(gameID int64) string { return "rvt:chat:" + strconv.FormatInt(gameID, 10) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
