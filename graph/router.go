package graph

import "strings"

// Decision values delivered by approval channels.
const (
	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
	DecisionRejected         = "rejected"
)

// DecisionTargets maps each decision to the node it routes to. Any value
// outside the three known decisions, including an empty one, routes to
// Clarify.
type DecisionTargets struct {
	Approved         string
	ChangesRequested string
	Rejected         string
	Clarify          string
}

// Targets lists the distinct node ids t can route to, for ConditionalEdge.
func (t DecisionTargets) Targets() []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range []string{t.Approved, t.ChangesRequested, t.Rejected, t.Clarify} {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// DecisionRouter routes on DecisionField. Decisions are compared case
// insensitively after trimming.
func DecisionRouter(t DecisionTargets) Router {
	return func(s State) string {
		switch strings.ToLower(strings.TrimSpace(s.String(DecisionField))) {
		case DecisionApproved:
			return t.Approved
		case DecisionChangesRequested:
			return t.ChangesRequested
		case DecisionRejected:
			return t.Rejected
		default:
			return t.Clarify
		}
	}
}

// ThresholdRouter routes to pass when the numeric field is at least
// threshold and to fail otherwise. A missing field counts as zero.
func ThresholdRouter(field string, threshold float64, pass, fail string) Router {
	return func(s State) string {
		if s.Float(field) >= threshold {
			return pass
		}
		return fail
	}
}

// ValueRouter routes on the string value of field. Values missing from
// routes go to fallback.
func ValueRouter(field string, routes map[string]string, fallback string) Router {
	return func(s State) string {
		if to, ok := routes[s.String(field)]; ok {
			return to
		}
		return fallback
	}
}
