package simulation

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

const genes = 3

// Candidate is one individual of the evolutionary search, scored on three
// objectives: effectiveness (maximised), risk and complexity (minimised).
type Candidate struct {
	ID            string         `json:"id"`
	Generation    int            `json:"generation"`
	Genome        [genes]float64 `json:"genome"`
	Effectiveness float64        `json:"effectiveness"`
	Risk          float64        `json:"risk"`
	Complexity    float64        `json:"complexity"`
	Rank          int            `json:"rank"`
	Depth         int            `json:"depth"`
}

func newCandidate(generation, index int, genome [genes]float64, depth int) Candidate {
	c := Candidate{
		ID:         fmt.Sprintf("g%d-%d", generation, index),
		Generation: generation,
		Genome:     genome,
		Depth:      depth,
	}
	c.Effectiveness = 0.6*genome[0] + 0.4*genome[1]
	c.Risk = genome[1] * (1 - 0.5*genome[2])
	c.Complexity = (genome[0] + genome[2]) / 2
	return c
}

// dominates reports whether a is at least as good as b on every objective and
// strictly better on one.
func dominates(a, b Candidate) bool {
	if a.Effectiveness < b.Effectiveness || a.Risk > b.Risk || a.Complexity > b.Complexity {
		return false
	}
	return a.Effectiveness > b.Effectiveness || a.Risk < b.Risk || a.Complexity < b.Complexity
}

// paretoRank assigns front indices in place: 0 for the non-dominated set,
// 1 for the set that is non-dominated once front 0 is removed, and so on.
func paretoRank(pop []Candidate) {
	remaining := make([]int, len(pop))
	for i := range remaining {
		remaining[i] = i
	}
	for rank := 0; len(remaining) > 0; rank++ {
		var front, rest []int
		for _, i := range remaining {
			dominated := false
			for _, j := range remaining {
				if i != j && dominates(pop[j], pop[i]) {
					dominated = true
					break
				}
			}
			if dominated {
				rest = append(rest, i)
			} else {
				front = append(front, i)
			}
		}
		for _, i := range front {
			pop[i].Rank = rank
		}
		remaining = rest
	}
}

func better(a, b Candidate) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.Effectiveness > b.Effectiveness
}

type evolver struct {
	req Request
	rng *rand.Rand
}

func (e *evolver) seedPopulation() []Candidate {
	pop := make([]Candidate, e.req.PopSize)
	for i := range pop {
		var genome [genes]float64
		for g := range genome {
			genome[g] = e.rng.Float64()
		}
		pop[i] = newCandidate(0, i, genome, 0)
	}
	paretoRank(pop)
	return pop
}

func (e *evolver) tournament(pop []Candidate) Candidate {
	a := pop[e.rng.IntN(len(pop))]
	b := pop[e.rng.IntN(len(pop))]
	if better(b, a) {
		return b
	}
	return a
}

// breed produces one generation of offspring from parents and returns the
// offspring (ranked against the parents) plus the survivors that seed the
// next generation.
func (e *evolver) breed(generation int, parents []Candidate) (children, survivors []Candidate) {
	children = make([]Candidate, e.req.PopSize)
	for i := range children {
		p1 := e.tournament(parents)
		genome := p1.Genome
		depth := p1.Depth + 1
		if e.rng.Float64() < e.req.XoverRate {
			p2 := e.tournament(parents)
			for g := range genome {
				if e.rng.Float64() < 0.5 {
					genome[g] = p2.Genome[g]
				}
			}
			depth = max(p1.Depth, p2.Depth) + 1
		}
		for g := range genome {
			if e.rng.Float64() < e.req.MutRate {
				genome[g] = clamp01(genome[g] + e.rng.NormFloat64()*0.1)
			}
		}
		children[i] = newCandidate(generation, i, genome, depth)
	}

	union := make([]Candidate, 0, len(parents)+len(children))
	union = append(union, children...)
	union = append(union, parents...)
	paretoRank(union)
	copy(children, union[:len(children)])

	sort.SliceStable(union, func(i, j int) bool { return better(union[i], union[j]) })
	survivors = append([]Candidate(nil), union[:e.req.PopSize]...)
	return children, survivors
}
