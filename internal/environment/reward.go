package environment

import (
	"math"

	"sdn-rl-controller/internal/routing"

	"gonum.org/v1/gonum/stat"
)

// RewardFunc scores the transition prev --action--> next. It must be pure
// and never fail; undefined results are reported as 0.
type RewardFunc func(prev routing.State, action int, next routing.State) float64

// BalancedReward rewards active entries that sit on good links and
// penalises uneven spreading of entries over links:
//
//	quality   = mean link value under the active entries
//	imbalance = coefficient of variation of entries per loaded link
//	reward    = wq*quality - wb*imbalance
//
// Entries shadowed by an earlier active entry with the same match are not
// counted. An empty table scores 0.
func BalancedReward(catalog *routing.Catalog, wq, wb float64) RewardFunc {
	return func(_ routing.State, _ int, next routing.State) float64 {
		links := next.Links()
		routes := next.Routes()

		var quality []float64
		load := make(map[int]float64)
		installed := make(map[routing.MatchKey]bool)
		for i, flag := range routes {
			if flag == 0 {
				continue
			}
			route := catalog.Route(i)
			// Only the first active entry per match reaches the switch.
			if installed[route.Match()] {
				continue
			}
			installed[route.Match()] = true
			link := route.Link
			if link < 0 || link >= len(links) {
				continue
			}
			quality = append(quality, links[link])
			load[link]++
		}
		if len(quality) == 0 {
			return 0
		}

		imbalance := 0.0
		if len(load) > 1 {
			counts := make([]float64, 0, len(load))
			for _, n := range load {
				counts = append(counts, n)
			}
			mean, std := stat.MeanStdDev(counts, nil)
			if mean > 0 {
				imbalance = std / mean
			}
		}

		r := wq*stat.Mean(quality, nil) - wb*imbalance
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return 0
		}
		return r
	}
}

// Ender decides whether an episode has finished after step steps.
type Ender interface {
	End(step int, state routing.State) bool
}

type never struct{}

func (never) End(int, routing.State) bool {
	return false
}

// Never is the default: the controller runs until stopped.
var Never Ender = never{}

// StepLimit ends an episode after n steps.
type StepLimit int

func (n StepLimit) End(step int, _ routing.State) bool {
	return n > 0 && step >= int(n)
}

// FuncEnder adapts a function to Ender.
type FuncEnder func(step int, state routing.State) bool

func (f FuncEnder) End(step int, state routing.State) bool {
	return f(step, state)
}
