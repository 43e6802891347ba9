package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultLoopBound is the iteration bound applied by WithDefaultLoopBound
// callers that have no domain specific value.
const DefaultLoopBound = 3

// Graph is a compiled, immutable workflow definition. A single Graph is
// shared by every instance started from it.
type Graph struct {
	name     string
	entry    string
	order    []string
	nodes    map[string]*NodeSpec
	static   map[string][]Edge
	preds    map[string][]string
	routes   map[string]*ConditionalEdge
	bounds   map[string]int
	succ     map[string][]string
	reducers map[string]Reducer
}

// CompileOption customizes compilation.
type CompileOption func(*compileConfig)

type compileConfig struct {
	defaultLoopBound int
	reducers         map[string]Reducer
	entry            string
}

// WithEntry names the entry node explicitly. The entry may then be the
// target of other edges, such as a bounded loop back to it; every other
// node still needs a predecessor.
func WithEntry(id string) CompileOption {
	return func(c *compileConfig) {
		c.entry = id
	}
}

// WithDefaultLoopBound assigns bound n to every unbounded edge that closes a
// cycle. Without this option an unbounded cycle is a compile error.
func WithDefaultLoopBound(n int) CompileOption {
	return func(c *compileConfig) {
		c.defaultLoopBound = n
	}
}

// WithReducer registers a Reducer for a state field.
func WithReducer(field string, r Reducer) CompileOption {
	return func(c *compileConfig) {
		if c.reducers == nil {
			c.reducers = map[string]Reducer{}
		}
		c.reducers[field] = r
	}
}

// Compile validates nodes and edges and produces an immutable Graph.
//
// Validation collects every problem into a single *CompileError:
//   - node ids are non-empty and unique, every node has an implementation
//   - every edge references declared nodes
//   - every conditional edge declares a non-empty set of valid targets
//   - exactly one entry node exists: the node named by WithEntry, or else
//     the only node without incoming edges. A graph that loops back to its
//     first node therefore needs WithEntry.
//   - every node is reachable from the entry
//   - every cycle contains a bounded edge
//   - nodes without outgoing edges are terminal, terminal nodes have none
//   - static fan-out siblings declare disjoint outputs
func Compile(name string, nodes []NodeSpec, static []Edge, conditional []ConditionalEdge, opts ...CompileOption) (*Graph, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &Graph{
		name:     name,
		nodes:    make(map[string]*NodeSpec, len(nodes)),
		static:   map[string][]Edge{},
		preds:    map[string][]string{},
		routes:   map[string]*ConditionalEdge{},
		bounds:   map[string]int{},
		succ:     map[string][]string{},
		reducers: map[string]Reducer{},
	}
	for field, r := range cfg.reducers {
		g.reducers[field] = r
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for i := range nodes {
		spec := nodes[i]
		switch {
		case spec.ID == "":
			addf("node #%d has an empty id", i)
			continue
		case spec.Node == nil:
			addf("node %s has no implementation", spec.ID)
		}
		if _, dup := g.nodes[spec.ID]; dup {
			addf("node %s declared twice", spec.ID)
			continue
		}
		spec.Outputs = append([]string(nil), spec.Outputs...)
		g.nodes[spec.ID] = &spec
		g.order = append(g.order, spec.ID)
	}

	seenEdge := map[string]bool{}
	for _, e := range static {
		ok := true
		for _, end := range []string{e.From, e.To} {
			if _, exists := g.nodes[end]; !exists {
				addf("edge %s references undeclared node %q", EdgeID(e.From, e.To), end)
				ok = false
			}
		}
		if e.Bound < 0 {
			addf("edge %s has negative bound %d", EdgeID(e.From, e.To), e.Bound)
			ok = false
		}
		id := EdgeID(e.From, e.To)
		if seenEdge[id] {
			addf("edge %s declared twice", id)
			ok = false
		}
		if !ok {
			continue
		}
		seenEdge[id] = true
		g.static[e.From] = append(g.static[e.From], e)
		g.preds[e.To] = append(g.preds[e.To], e.From)
		g.succ[e.From] = append(g.succ[e.From], e.To)
		if e.Bound > 0 {
			g.bounds[id] = e.Bound
		}
	}

	for i := range conditional {
		c := conditional[i]
		if _, exists := g.nodes[c.From]; !exists {
			addf("conditional edge from undeclared node %q", c.From)
			continue
		}
		if _, dup := g.routes[c.From]; dup {
			addf("node %s has more than one router", c.From)
			continue
		}
		if c.Router == nil {
			addf("conditional edge from %s has no router", c.From)
		}
		if len(c.Targets) == 0 {
			addf("conditional edge from %s declares no targets", c.From)
			continue
		}
		targets := make([]string, 0, len(c.Targets))
		valid := true
		for _, t := range c.Targets {
			if _, exists := g.nodes[t]; !exists {
				addf("router on %s declares undeclared target %q", c.From, t)
				valid = false
				continue
			}
			if seenEdge[EdgeID(c.From, t)] {
				addf("edge %s declared twice", EdgeID(c.From, t))
				valid = false
				continue
			}
			seenEdge[EdgeID(c.From, t)] = true
			targets = append(targets, t)
		}
		bounds := map[string]int{}
		for t, n := range c.Bounds {
			if !c.declares(t) {
				addf("router on %s bounds undeclared target %q", c.From, t)
				valid = false
				continue
			}
			if n <= 0 {
				addf("edge %s has non-positive bound %d", EdgeID(c.From, t), n)
				valid = false
				continue
			}
			bounds[t] = n
			g.bounds[EdgeID(c.From, t)] = n
		}
		if !valid {
			continue
		}
		c.Targets = targets
		c.Bounds = bounds
		g.routes[c.From] = &c
		g.succ[c.From] = append(g.succ[c.From], targets...)
	}

	if len(problems) == 0 {
		problems = append(problems, g.validateShape(cfg)...)
	}

	if len(problems) > 0 {
		return nil, &CompileError{Graph: name, Problems: problems}
	}
	return g, nil
}

// validateShape checks entry, reachability, terminals, cycles and fan-out
// outputs on a graph whose references are already known to be valid.
func (g *Graph) validateShape(cfg compileConfig) []string {
	var problems []string

	indegree := map[string]int{}
	for _, targets := range g.succ {
		for _, t := range targets {
			indegree[t]++
		}
	}
	var entries []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			entries = append(entries, id)
		}
	}
	if cfg.entry != "" {
		if _, ok := g.nodes[cfg.entry]; !ok {
			return append(problems, fmt.Sprintf("entry node %s is not declared", cfg.entry))
		}
		entries = []string{cfg.entry}
	}
	switch len(entries) {
	case 1:
		g.entry = entries[0]
	case 0:
		return append(problems, "graph has no entry node (every node has a predecessor)")
	default:
		return append(problems, fmt.Sprintf("graph has %d entry nodes %v, want exactly one", len(entries), entries))
	}

	reached := g.reachableFrom([]string{g.entry}, "")
	for _, id := range g.order {
		if !reached[id] {
			problems = append(problems, fmt.Sprintf("node %s is unreachable from entry %s", id, g.entry))
		}
	}

	terminals := 0
	for _, id := range g.order {
		spec := g.nodes[id]
		outgoing := len(g.succ[id])
		switch {
		case spec.Terminal && outgoing > 0:
			problems = append(problems, fmt.Sprintf("terminal node %s has outgoing edges", id))
		case !spec.Terminal && outgoing == 0:
			problems = append(problems, fmt.Sprintf("node %s has no outgoing edges and is not terminal", id))
		case spec.Suspend && spec.Terminal:
			problems = append(problems, fmt.Sprintf("suspension node %s cannot be terminal", id))
		}
		if spec.Terminal {
			terminals++
		}
	}
	if terminals == 0 {
		problems = append(problems, "graph declares no terminal node")
	}

	if cfg.defaultLoopBound > 0 {
		g.boundBackEdges(cfg.defaultLoopBound)
	}
	if cyclic := g.unboundedCycleNodes(); len(cyclic) > 0 {
		problems = append(problems, fmt.Sprintf("cycle through %v has no bounded edge", cyclic))
	}

	for _, id := range g.order {
		edges := g.static[id]
		if len(edges) < 2 {
			continue
		}
		owner := map[string]string{}
		for _, e := range edges {
			for _, field := range g.nodes[e.To].Outputs {
				if prev, clash := owner[field]; clash {
					problems = append(problems, fmt.Sprintf("fan-out siblings %s and %s both declare output %q", prev, e.To, field))
					continue
				}
				owner[field] = e.To
			}
		}
	}

	return problems
}

// boundBackEdges assigns bound n to every unbounded edge that a depth-first
// walk from the entry finds pointing back to a node on the current path.
func (g *Graph) boundBackEdges(n int) {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, to := range g.succ[id] {
			edge := EdgeID(id, to)
			if _, bounded := g.bounds[edge]; bounded {
				continue
			}
			switch color[to] {
			case grey:
				g.setBound(id, to, n)
			case white:
				visit(to)
			}
		}
		color[id] = black
	}
	visit(g.entry)
}

func (g *Graph) setBound(from, to string, n int) {
	g.bounds[EdgeID(from, to)] = n
	if r, ok := g.routes[from]; ok && r.declares(to) {
		r.Bounds[to] = n
		return
	}
	for i := range g.static[from] {
		if g.static[from][i].To == to {
			g.static[from][i].Bound = n
		}
	}
}

// unboundedCycleNodes removes bounded edges and runs Kahn's algorithm; any
// node left over sits on a cycle without a bounded edge.
func (g *Graph) unboundedCycleNodes() []string {
	indegree := map[string]int{}
	adj := map[string][]string{}
	for from, targets := range g.succ {
		for _, to := range targets {
			if _, bounded := g.bounds[EdgeID(from, to)]; bounded {
				continue
			}
			adj[from] = append(adj[from], to)
			indegree[to]++
		}
	}
	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed++
		for _, to := range adj[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if removed == len(g.order) {
		return nil
	}
	var cyclic []string
	for _, id := range g.order {
		if indegree[id] > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

// reachableFrom returns every node reachable from sources, never expanding
// through the node named stop.
func (g *Graph) reachableFrom(sources []string, stop string) map[string]bool {
	seen := map[string]bool{}
	stack := append([]string(nil), sources...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == stop {
			continue
		}
		stack = append(stack, g.succ[id]...)
	}
	return seen
}

// Name returns the graph name recorded in checkpoints.
func (g *Graph) Name() string { return g.name }

// Entry returns the id of the entry node.
func (g *Graph) Entry() string { return g.entry }

// Nodes returns node ids in registration order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.order...) }

// Bound returns the iteration bound on edge from->to, or 0 when unbounded.
func (g *Graph) Bound(from, to string) int { return g.bounds[EdgeID(from, to)] }

// Mermaid renders the graph as a mermaid flowchart. Static edges are solid,
// conditional edges dotted, bounded edges carry their bound as a label.
func (g *Graph) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")
	for _, id := range g.order {
		spec := g.nodes[id]
		switch {
		case spec.Suspend:
			fmt.Fprintf(&sb, "    %s{{%s}}\n", id, id)
		case spec.Terminal:
			fmt.Fprintf(&sb, "    %s([%s])\n", id, id)
		default:
			fmt.Fprintf(&sb, "    %s[%s]\n", id, id)
		}
	}
	for _, id := range g.order {
		for _, e := range g.static[id] {
			if e.Bound > 0 {
				fmt.Fprintf(&sb, "    %s -->|max %d| %s\n", e.From, e.Bound, e.To)
				continue
			}
			fmt.Fprintf(&sb, "    %s --> %s\n", e.From, e.To)
		}
		if r, ok := g.routes[id]; ok {
			for _, t := range r.Targets {
				if n := r.Bounds[t]; n > 0 {
					fmt.Fprintf(&sb, "    %s -.->|max %d| %s\n", id, n, t)
					continue
				}
				fmt.Fprintf(&sb, "    %s -.-> %s\n", id, t)
			}
		}
	}
	return sb.String()
}
