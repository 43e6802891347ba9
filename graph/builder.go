package graph

// Builder assembles nodes and edges and hands them to Compile.
//
// Example:
//
//	g, err := graph.NewBuilder("lead").
//	    Add(graph.NodeSpec{ID: "draft", Node: draft}).
//	    Add(graph.NodeSpec{ID: "review", Node: review}).
//	    Add(graph.NodeSpec{ID: "send", Node: send, Terminal: true}).
//	    Connect("draft", "review").
//	    Route("review", byScore, "send", "draft").
//	    Bound("review", "draft", 3).
//	    Compile()
type Builder struct {
	name     string
	nodes    []NodeSpec
	edges    []Edge
	routes   []ConditionalEdge
	bounds   map[string]int
	opts     []CompileOption
}

// NewBuilder starts a graph definition.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, bounds: map[string]int{}}
}

// Add registers a node.
func (b *Builder) Add(spec NodeSpec) *Builder {
	b.nodes = append(b.nodes, spec)
	return b
}

// Connect adds a static edge.
func (b *Builder) Connect(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// Route adds a conditional edge from a node to one of targets.
func (b *Builder) Route(from string, router Router, targets ...string) *Builder {
	b.routes = append(b.routes, ConditionalEdge{
		From:    from,
		Router:  router,
		Targets: append([]string(nil), targets...),
	})
	return b
}

// Bound sets the iteration bound of edge from->to, static or conditional.
func (b *Builder) Bound(from, to string, n int) *Builder {
	b.bounds[EdgeID(from, to)] = n
	return b
}

// StartAt makes id the entry node, see WithEntry.
func (b *Builder) StartAt(id string) *Builder {
	b.opts = append(b.opts, WithEntry(id))
	return b
}

// Reducer registers a per-field reducer.
func (b *Builder) Reducer(field string, r Reducer) *Builder {
	b.opts = append(b.opts, WithReducer(field, r))
	return b
}

// Compile validates the definition and returns the immutable graph.
func (b *Builder) Compile(opts ...CompileOption) (*Graph, error) {
	edges := make([]Edge, len(b.edges))
	copy(edges, b.edges)
	applied := map[string]bool{}
	for i := range edges {
		id := EdgeID(edges[i].From, edges[i].To)
		if n, ok := b.bounds[id]; ok {
			edges[i].Bound = n
			applied[id] = true
		}
	}

	routes := make([]ConditionalEdge, len(b.routes))
	for i, r := range b.routes {
		r.Bounds = map[string]int{}
		for _, t := range r.Targets {
			id := EdgeID(r.From, t)
			if n, ok := b.bounds[id]; ok {
				r.Bounds[t] = n
				applied[id] = true
			}
		}
		routes[i] = r
	}

	var problems []string
	for id := range b.bounds {
		if !applied[id] {
			problems = append(problems, "bound set on undeclared edge "+id)
		}
	}
	if len(problems) > 0 {
		return nil, &CompileError{Graph: b.name, Problems: problems}
	}

	all := append(append([]CompileOption(nil), b.opts...), opts...)
	return Compile(b.name, b.nodes, edges, routes, all...)
}
