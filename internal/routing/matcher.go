package routing

import "sort"

// Match returns the active routes of s whose conditions hold for e, ordered by
// ascending priority. Routes with equal priority keep catalog order.
func Match(e Event, s *Snapshot) []Route {
	if s == nil {
		return nil
	}
	return MatchRoutes(e, s.routes)
}

// MatchRoutes is Match over a plain route list.
func MatchRoutes(e Event, routes []Route) []Route {
	out := make([]Route, 0, 4)
	for _, r := range routes {
		if !r.IsActive {
			continue
		}
		if EvaluateConditions(e, r.Conditions) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
