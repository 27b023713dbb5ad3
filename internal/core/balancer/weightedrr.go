package balancer

// WeightedRoundRobin distributes selections proportionally to weight using
// the smooth interleaving scheme: every candidate accumulates its weight in
// credits each round, the highest credit wins and is debited by the total
// weight. With weights {3,2,2} this yields A B C A B C A rather than A A A B
// B C C.
type WeightedRoundRobin struct {
	credits map[string]int
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{credits: make(map[string]int)}
}

func (w *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (w *WeightedRoundRobin) Pick(candidates []Candidate) int {
	total := 0
	seen := make(map[string]struct{}, len(candidates))
	best := 0

	for i, c := range candidates {
		seen[c.ID] = struct{}{}
		weight := c.Weight
		if weight < 1 {
			weight = 1
		}
		total += weight
		w.credits[c.ID] += weight
		if w.credits[c.ID] > w.credits[candidates[best].ID] {
			best = i
		}
	}

	// Prune bookkeeping for candidates that left the pool.
	for id := range w.credits {
		if _, ok := seen[id]; !ok {
			delete(w.credits, id)
		}
	}

	w.credits[candidates[best].ID] -= total
	return best
}
