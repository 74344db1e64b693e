// Package xp implements the leveling curve shared by sprints, events
// and goals. Each level costs more than the last:
//
//	level 1: 0-99 xp
//	level 2: 100-299 xp
//	level 3: 300-599 xp
//	level 4: 600-999 xp
//
// The curve is level(xp) = floor(floor(K + sqrt(K^2 + 4K*xp)) / 2K)
// with K = 50, and boundary(l) = K*l^2 - K*l. The floor placement is
// load-bearing: both divisions truncate, which keeps level() the exact
// inverse of boundary() at the boundaries.
package xp

import "math"

// calcKey tunes the curve steepness.
const calcKey = 50

// Awards.
const (
	CompleteSprint = 25
	WinSprint      = 100 // divided by final rank, ceil, top five only
	CompleteGoal   = 100 // daily goal
)

func Level(xp int64) int64 {
	if xp < 0 {
		xp = 0
	}
	k := float64(calcKey)
	inner := math.Floor(k + math.Sqrt(k*k+4*k*float64(xp)))
	return int64(math.Floor(inner / (2 * k)))
}

// Boundary is the minimum xp required to hold the given level.
func Boundary(level int64) int64 {
	return calcKey*level*level - calcKey*level
}

// NextLevelXP is how much more xp is needed to reach the next level.
func NextLevelXP(xp int64) int64 {
	return Boundary(Level(xp)+1) - xp
}

// WinBonus is the extra xp for finishing a sprint at the given
// 1-based rank.
func WinBonus(rank int) int64 {
	if rank < 1 {
		return 0
	}
	return int64(math.Ceil(float64(WinSprint) / float64(rank)))
}
