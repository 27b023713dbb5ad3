package balancer

// ResponseTime picks the candidate with the lowest response time EMA. Until
// at least one candidate has recorded a response (cold start) or when all
// EMAs are equal, it falls back to round robin for that call only.
type ResponseTime struct {
	fallback *RoundRobin
}

func NewResponseTime() *ResponseTime {
	return &ResponseTime{fallback: NewRoundRobin()}
}

func (rt *ResponseTime) Name() string { return "response_time" }

func (rt *ResponseTime) Pick(candidates []Candidate) int {
	best := -1
	allEqual := true
	for i, c := range candidates {
		if !c.HasResponseTime {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if c.LastResponseTime != candidates[best].LastResponseTime {
			allEqual = false
		}
		if c.LastResponseTime < candidates[best].LastResponseTime {
			best = i
		}
	}

	if best == -1 || (allEqual && len(candidates) > 1 && sampledAll(candidates)) {
		return rt.fallback.Pick(candidates)
	}
	return best
}

func sampledAll(candidates []Candidate) bool {
	for _, c := range candidates {
		if !c.HasResponseTime {
			return false
		}
	}
	return true
}
