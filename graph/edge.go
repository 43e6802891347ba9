package graph

// Edge is a static (unconditional) connection between two nodes. A node with
// several outgoing edges fans out; a node with several incoming edges is a
// fan-in join that waits for every predecessor still able to fire.
type Edge struct {
	From string
	To   string

	// Bound caps how many times the edge may be traversed per instance.
	// Zero means unbounded; every cycle must contain at least one bounded edge.
	Bound int
}

// Router selects the next node from the post-merge state. It must be
// deterministic and free of side effects: after a resume, the router of the
// suspension node is evaluated again against the updated state.
type Router func(state State) string

// ConditionalEdge connects From to exactly one of Targets, chosen at runtime
// by Router.
type ConditionalEdge struct {
	From    string
	Router  Router
	Targets []string

	// Bounds holds per-target iteration bounds for loop-back targets.
	Bounds map[string]int
}

// EdgeID returns the identifier used for loop counters and metrics.
func EdgeID(from, to string) string {
	return from + "->" + to
}

func (c ConditionalEdge) declares(target string) bool {
	for _, t := range c.Targets {
		if t == target {
			return true
		}
	}
	return false
}
