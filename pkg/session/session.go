// Package session keeps per-conversation state in process memory: a rolling
// window of recent turns plus session-scoped metadata. Sessions are not
// persisted across restarts; that is an accepted limitation of the
// single-process deployment shape.
package session

import (
	"time"

	"github.com/siplinehq/sipline/pkg/planner"
)

// Recognized metadata keys.
const (
	MetaLastPrimaryAction = "last_primary_action"
	MetaLastProductQuery  = "last_product_query"
	MetaLastOutletQuery   = "last_outlet_query"
	MetaPreferredSort     = "preferred_sort"
)

// Turn is one user-assistant exchange plus the planner decision that
// produced it. Turns are append-only within a session.
type Turn struct {
	User      string           `json:"user"`
	Assistant string           `json:"assistant"`
	Decision  planner.Decision `json:"decision"`
	Timestamp time.Time        `json:"timestamp"`
}

// Snapshot is an immutable copy of a session's state. Callers may hold it
// across planning without blocking concurrent appends.
type Snapshot struct {
	ID         string
	Turns      []Turn
	Metadata   map[string]string
	CreatedAt  time.Time
	LastActive time.Time
}

// PlannerContext distills a snapshot into the read-only context the
// planner consumes.
func (s Snapshot) PlannerContext() planner.Context {
	return planner.Context{
		TurnCount:        len(s.Turns),
		LastAction:       planner.Action(s.Metadata[MetaLastPrimaryAction]),
		LastProductQuery: s.Metadata[MetaLastProductQuery],
		LastOutletQuery:  s.Metadata[MetaLastOutletQuery],
		PreferredSort:    s.Metadata[MetaPreferredSort],
	}
}

// History renders the window as "User:/Assistant:" lines for prompt
// assembly. An empty window renders the no-history sentinel.
func (s Snapshot) History() string {
	if len(s.Turns) == 0 {
		return "No previous conversation."
	}
	out := ""
	for i, t := range s.Turns {
		if i > 0 {
			out += "\n"
		}
		out += "User: " + t.User + "\nAssistant: " + t.Assistant
	}
	return out
}
