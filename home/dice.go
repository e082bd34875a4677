package home

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
	"github.com/samber/lo"
)

const (
	maxDice  = 20
	minSides = 2
	maxSides = 1000
)

// Dice rolls NdM expressions. between returns a value in [min, max].
type Dice struct {
	between func(min, max int) int
}

func NewDice(between func(min, max int) int) *Dice {
	if between == nil {
		between = sys.RandomIntRange
	}
	return &Dice{between: between}
}

// ParseDice reads "NdM"; an empty expression is 1d6 and "dM" is 1dM.
func ParseDice(expr string) (n, m int, err error) {
	usage := &proc.SyntaxError{Usage: "roll [NdM], N 1-20, M 2-1000"}
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return 1, 6, nil
	}
	count, sides, ok := strings.Cut(expr, "d")
	if !ok {
		return 0, 0, usage
	}
	n = 1
	if count != "" {
		if n, err = strconv.Atoi(count); err != nil {
			return 0, 0, usage
		}
	}
	if m, err = strconv.Atoi(sides); err != nil {
		return 0, 0, usage
	}
	if n < 1 || n > maxDice || m < minSides || m > maxSides {
		return 0, 0, usage
	}
	return n, m, nil
}

func (d *Dice) Roll(n, m int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = d.between(1, m)
	}
	return out
}

func (r *Router) roll(ctx context.Context, c Caller, args []string) (string, error) {
	if len(args) > 1 {
		return "", &proc.SyntaxError{Usage: "roll [NdM], N 1-20, M 2-1000"}
	}
	n, m, err := ParseDice(strings.Join(args, ""))
	if err != nil {
		return "", err
	}
	rolls := r.dice.Roll(n, m)
	sys.LogGame("Rolled %dd%d for %s: %v", n, m, c.UserID, rolls)

	if n == 1 {
		return fmt.Sprintf("🎲 %dd%d: %d", n, m, rolls[0]), nil
	}
	parts := lo.Map(rolls, func(v int, _ int) string { return strconv.Itoa(v) })
	return fmt.Sprintf("🎲 %dd%d: %s (total %d)", n, m, strings.Join(parts, ", "), lo.Sum(rolls)), nil
}
