package board

import "fmt"

// Size is the side length of the grid.
const Size = 8

// Color identifies a playing side.
type Color string

const (
	Black Color = "black"
	White Color = "white"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == Black {
		return White
	}
	return Black
}

// Cell is the content of one square.
type Cell string

const (
	Empty     Cell = "empty"
	CellBlack Cell = Cell(Black)
	CellWhite Cell = Cell(White)
)

// Board is an 8x8 grid of cells. It is a value type: Apply returns a new
// board and never mutates its receiver, so snapshots can be shared freely
// across broadcast payloads.
type Board [Size][Size]Cell

// Point is a 0-indexed (row, col) coordinate.
type Point struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

var directions = [8][2]int{
	{-1, 0},  // up
	{-1, 1},  // up-right
	{0, 1},   // right
	{1, 1},   // down-right
	{1, 0},   // down
	{1, -1},  // down-left
	{0, -1},  // left
	{-1, -1}, // up-left
}

// Initial returns the standard starting position: all empty except the
// center 2x2 diagonal pattern.
func Initial() Board {
	var b Board
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			b[r][c] = Empty
		}
	}
	b[3][3] = CellWhite
	b[3][4] = CellBlack
	b[4][3] = CellBlack
	b[4][4] = CellWhite
	return b
}

func inBounds(r, c int) bool {
	return r >= 0 && r < Size && c >= 0 && c < Size
}

// ray walks from (row, col) in direction d collecting the contiguous run of
// opponent pieces. It returns the run only when the run is non-empty and
// terminates on one of player's own pieces; otherwise nil. Both move
// validation and flipping are built on this single primitive so the two can
// never diverge.
func (b Board) ray(row, col int, d [2]int, player Color) []Point {
	opponent := Cell(player.Opponent())
	var run []Point
	r, c := row+d[0], col+d[1]
	for inBounds(r, c) && b[r][c] == opponent {
		run = append(run, Point{Row: r, Col: c})
		r += d[0]
		c += d[1]
	}
	if len(run) == 0 || !inBounds(r, c) || b[r][c] != Cell(player) {
		return nil
	}
	return run
}

// LegalMoves enumerates every empty cell from which at least one direction
// outflanks a run of opponent pieces.
func (b Board) LegalMoves(player Color) []Point {
	var moves []Point
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if b[r][c] != Empty {
				continue
			}
			for _, d := range directions {
				if b.ray(r, c, d, player) != nil {
					moves = append(moves, Point{Row: r, Col: c})
					break
				}
			}
		}
	}
	return moves
}

// IsLegal reports whether (row, col) is in player's legal-move set.
func (b Board) IsLegal(row, col int, player Color) bool {
	if !inBounds(row, col) || b[row][col] != Empty {
		return false
	}
	for _, d := range directions {
		if b.ray(row, col, d, player) != nil {
			return true
		}
	}
	return false
}

// Apply places player's piece at (row, col) and flips every outflanked run.
// Callers must have validated the move via LegalMoves/IsLegal first; Apply on
// an illegal cell simply places the piece without flips and corrupts the
// position, which is why the session layer always checks the cached move set.
func (b Board) Apply(row, col int, player Color) Board {
	next := b
	next[row][col] = Cell(player)
	for _, d := range directions {
		for _, p := range b.ray(row, col, d, player) {
			next[p.Row][p.Col] = Cell(player)
		}
	}
	return next
}

// Scores counts the pieces of each side.
func (b Board) Scores() (black, white int) {
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			switch b[r][c] {
			case CellBlack:
				black++
			case CellWhite:
				white++
			}
		}
	}
	return black, white
}

// IsTerminal reports whether neither side has a legal move.
func (b Board) IsTerminal() bool {
	return len(b.LegalMoves(Black)) == 0 && len(b.LegalMoves(White)) == 0
}

// Notation renders a coordinate as column letter plus 1-indexed row digit,
// e.g. (0,0) -> "a1", (2,3) -> "d3". Display only.
func Notation(row, col int) string {
	return fmt.Sprintf("%c%d", 'a'+col, row+1)
}
