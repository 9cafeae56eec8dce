package ringgame

import "fmt"

// Board geometry. The deal always distributes all 28 rings across the first
// four poles so the fifth starts empty.
const (
	NumPoles      = 5
	NumColors     = 4
	RingsPerColor = 7
	TotalRings    = NumColors * RingsPerColor
	MaxPoleHeight = 10
	MaxPoleColors = 4
)

// Color of a single ring.
type Color string

const (
	Red    Color = "red"
	Blue   Color = "blue"
	Green  Color = "green"
	Yellow Color = "yellow"
)

// Colors lists every ring color in deal order.
var Colors = [NumColors]Color{Red, Blue, Green, Yellow}

// Ring is one colored token. IDs are stable per deal ("r1".."r7", "b1"..).
type Ring struct {
	ID    string `json:"id"`
	Color Color  `json:"color"`
}

// Board is one player's private puzzle: five ordered stacks of rings. Only the
// top ring of a stack is movable.
type Board struct {
	Poles [NumPoles][]Ring `json:"poles"`
}

// CanAccept reports whether pole may receive ring. A ring whose color is
// already on the pole is always admitted; otherwise the pole must hold fewer
// than MaxPoleColors distinct colors. A pole at MaxPoleHeight rejects every
// ring regardless of color.
func CanAccept(pole []Ring, ring Ring) bool {
	if len(pole) >= MaxPoleHeight {
		return false
	}
	distinct := make(map[Color]struct{}, MaxPoleColors)
	for _, r := range pole {
		distinct[r.Color] = struct{}{}
	}
	if _, ok := distinct[ring.Color]; ok {
		return true
	}
	return len(distinct) < MaxPoleColors
}

// ApplyMove moves the top ring of pole from onto pole to. It returns the
// resulting board and whether the move was accepted; a rejected move returns
// the receiver unchanged so callers never persist partial moves.
func (b Board) ApplyMove(from, to int) (Board, bool) {
	if from < 0 || from >= NumPoles || to < 0 || to >= NumPoles || from == to {
		return b, false
	}
	src := b.Poles[from]
	if len(src) == 0 {
		return b, false
	}
	ring := src[len(src)-1]
	if !CanAccept(b.Poles[to], ring) {
		return b, false
	}

	out := b.clone()
	out.Poles[from] = out.Poles[from][:len(out.Poles[from])-1]
	out.Poles[to] = append(out.Poles[to], ring)
	return out, true
}

// CheckWin holds iff exactly four poles are non-empty, each monochromatic with
// exactly RingsPerColor rings, and exactly one pole is empty. This predicate is
// the single source of truth for puzzle completion.
func (b Board) CheckWin() bool {
	empty := 0
	for _, pole := range b.Poles {
		if len(pole) == 0 {
			empty++
			continue
		}
		if len(pole) != RingsPerColor {
			return false
		}
		first := pole[0].Color
		for _, r := range pole[1:] {
			if r.Color != first {
				return false
			}
		}
	}
	return empty == 1
}

// RingCount returns the total number of rings on the board.
func (b Board) RingCount() int {
	n := 0
	for _, pole := range b.Poles {
		n += len(pole)
	}
	return n
}

// Top returns the movable ring of the given pole, if any.
func (b Board) Top(pole int) (Ring, bool) {
	if pole < 0 || pole >= NumPoles || len(b.Poles[pole]) == 0 {
		return Ring{}, false
	}
	p := b.Poles[pole]
	return p[len(p)-1], true
}

func (b Board) clone() Board {
	var out Board
	for i, pole := range b.Poles {
		out.Poles[i] = append([]Ring(nil), pole...)
	}
	return out
}

// Validate checks the structural board invariants: 28 rings total, seven per
// color, no pole above the height cap.
func (b Board) Validate() error {
	if n := b.RingCount(); n != TotalRings {
		return fmt.Errorf("board has %d rings, want %d", n, TotalRings)
	}
	perColor := make(map[Color]int, NumColors)
	for i, pole := range b.Poles {
		if len(pole) > MaxPoleHeight {
			return fmt.Errorf("pole %d holds %d rings, max %d", i, len(pole), MaxPoleHeight)
		}
		for _, r := range pole {
			perColor[r.Color]++
		}
	}
	for _, c := range Colors {
		if perColor[c] != RingsPerColor {
			return fmt.Errorf("color %s has %d rings, want %d", c, perColor[c], RingsPerColor)
		}
	}
	return nil
}
