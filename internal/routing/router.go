// Package routing decides which specialists see a message and, for
// multi-turn exchanges, whose turn is next.
package routing

import (
	"strings"

	"github.com/ashureev/dailybot/internal/specialist"
)

// Reason explains a routing decision.
type Reason string

const (
	ReasonKeywordMatch Reason = "keyword-match"
	ReasonFallbackAll  Reason = "fallback-all"
)

// Decision is the ordered set of selected specialists.
type Decision struct {
	Selected []specialist.Tag `json:"selected"`
	Reason   Reason           `json:"reason"`
	// Matched maps each selected tag to the trigger that selected it.
	Matched map[specialist.Tag]string `json:"matched,omitempty"`
}

type route struct {
	tag      specialist.Tag
	triggers []string
}

// Router matches messages against the registry's trigger keywords. The
// keyword table is copied at construction and never changes afterwards.
type Router struct {
	routes []route
}

// NewRouter builds the keyword table from reg in registry order.
func NewRouter(reg *specialist.Registry) *Router {
	all := reg.All()
	routes := make([]route, 0, len(all))
	for _, s := range all {
		routes = append(routes, route{tag: s.Tag(), triggers: s.Triggers()})
	}
	return &Router{routes: routes}
}

// Select returns every specialist with at least one trigger contained in
// text, in registry order. When nothing matches, every specialist is
// selected.
func (r *Router) Select(text string) Decision {
	lower := strings.ToLower(text)

	var d Decision
	for _, rt := range r.routes {
		if kw, ok := match(lower, rt.triggers); ok {
			if d.Matched == nil {
				d.Matched = make(map[specialist.Tag]string)
			}
			d.Selected = append(d.Selected, rt.tag)
			d.Matched[rt.tag] = kw
		}
	}
	if len(d.Selected) > 0 {
		d.Reason = ReasonKeywordMatch
		return d
	}

	d.Reason = ReasonFallbackAll
	d.Selected = r.all()
	return d
}

// SelectOne returns the first matching specialist in registry order, or the
// first registered specialist when nothing matches.
func (r *Router) SelectOne(text string) specialist.Tag {
	lower := strings.ToLower(text)
	for _, rt := range r.routes {
		if _, ok := match(lower, rt.triggers); ok {
			return rt.tag
		}
	}
	return r.routes[0].tag
}

func (r *Router) all() []specialist.Tag {
	out := make([]specialist.Tag, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.tag
	}
	return out
}

func (r *Router) known(tag specialist.Tag) bool {
	for _, rt := range r.routes {
		if rt.tag == tag {
			return true
		}
	}
	return false
}

func match(lower string, triggers []string) (string, bool) {
	for _, kw := range triggers {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}
