package balancer

// LeastConnections picks the candidate with the fewest active connections.
// Ties break toward registration order, which keeps the choice deterministic.
type LeastConnections struct{}

func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (lc *LeastConnections) Name() string { return "least_connections" }

func (lc *LeastConnections) Pick(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].ActiveConnections < candidates[best].ActiveConnections {
			best = i
		}
	}
	return best
}
