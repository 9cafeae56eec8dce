package ringgame

import (
	"math/rand"
	"strconv"
)

// allRings builds the full 28-ring set with per-color ids ("r1".."r7",
// "b1".."b7", ...).
func allRings() []Ring {
	prefix := map[Color]string{Red: "r", Blue: "b", Green: "g", Yellow: "y"}
	rings := make([]Ring, 0, TotalRings)
	for _, c := range Colors {
		for i := 1; i <= RingsPerColor; i++ {
			rings = append(rings, Ring{ID: prefix[c] + strconv.Itoa(i), Color: c})
		}
	}
	return rings
}

// NewDeal shuffles the ring set onto the first four poles, honoring the
// distinct-color cap so the starting position is always legal; the fifth pole
// begins empty. Placement retries a few random poles before falling back to
// the first pole that can legally take the ring.
func NewDeal(rng *rand.Rand) Board {
	rings := allRings()
	rng.Shuffle(len(rings), func(i, j int) { rings[i], rings[j] = rings[j], rings[i] })

	var b Board
	for _, ring := range rings {
		placed := false
		for attempts := 0; attempts < 10; attempts++ {
			idx := rng.Intn(NumPoles - 1)
			if dealAccepts(b.Poles[idx], ring) {
				b.Poles[idx] = append(b.Poles[idx], ring)
				placed = true
				break
			}
		}
		if !placed {
			for i := 0; i < NumPoles-1; i++ {
				if dealAccepts(b.Poles[i], ring) {
					b.Poles[i] = append(b.Poles[i], ring)
					placed = true
					break
				}
			}
		}
		if !placed {
			// Every pole rejected on color; take the shortest non-full pole so
			// the deal always places all 28 rings.
			short := 0
			for i := 1; i < NumPoles-1; i++ {
				if len(b.Poles[i]) < len(b.Poles[short]) {
					short = i
				}
			}
			b.Poles[short] = append(b.Poles[short], ring)
		}
	}
	return b
}

func dealAccepts(pole []Ring, ring Ring) bool {
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
