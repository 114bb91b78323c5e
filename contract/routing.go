package contract

import (
	"fmt"
	"sort"
)

// EdgeInfo describes one outgoing edge as seen by a gate plugin: the label
// it may route to and how traversal is recorded. Gates speak labels only;
// resolving a label to a concrete node is the graph's job.
type EdgeInfo struct {
	Label string
	Mode  RoutingMode
}

// RoutingAction is a gate's decision for one row. Construct through
// Continue, RouteTo, or ForkTo; the zero value is invalid.
type RoutingAction struct {
	kind         RoutingKind
	destinations []string
	reason       *RoutingReason
}

// Continue keeps the token on the default edge.
func Continue() RoutingAction {
	return RoutingAction{kind: KindContinue}
}

// RouteTo sends the token down a single labeled edge. The reason is copied
// at construction; a caller retaining the pointer cannot alter what the
// audit trail will record.
func RouteTo(label string, reason *RoutingReason) (RoutingAction, error) {
	if label == "" {
		return RoutingAction{}, fmt.Errorf("route destination label is empty")
	}
	return RoutingAction{kind: KindRoute, destinations: []string{label}, reason: copyReason(reason)}, nil
}

// ForkTo duplicates the token down every listed path. Labels must be unique
// and non-empty; they are stored sorted so downstream ordinal assignment is
// deterministic regardless of how the plugin ordered them.
func ForkTo(labels []string, reason *RoutingReason) (RoutingAction, error) {
	if len(labels) == 0 {
		return RoutingAction{}, fmt.Errorf("fork requires at least one path")
	}
	seen := make(map[string]bool, len(labels))
	sorted := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			return RoutingAction{}, fmt.Errorf("fork path label is empty")
		}
		if seen[l] {
			return RoutingAction{}, fmt.Errorf("fork path %q listed twice", l)
		}
		seen[l] = true
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	return RoutingAction{kind: KindForkToPaths, destinations: sorted, reason: copyReason(reason)}, nil
}

func copyReason(reason *RoutingReason) *RoutingReason {
	if reason == nil {
		return nil
	}
	r := *reason
	return &r
}

// Kind returns the action discriminant.
func (a RoutingAction) Kind() RoutingKind { return a.kind }

// Destinations returns the labeled destinations: empty for CONTINUE, one
// for ROUTE, the sorted path set for FORK_TO_PATHS.
func (a RoutingAction) Destinations() []string {
	out := make([]string, len(a.destinations))
	copy(out, a.destinations)
	return out
}

// Reason returns a copy of the audit payload explaining the decision, or
// nil. Copies on both boundaries keep the stored reason immutable from
// construction through persistence.
func (a RoutingAction) Reason() *RoutingReason { return copyReason(a.reason) }

// Valid reports whether the action was built by a constructor.
func (a RoutingAction) Valid() bool {
	switch a.kind {
	case KindContinue:
		return len(a.destinations) == 0
	case KindRoute:
		return len(a.destinations) == 1
	case KindForkToPaths:
		return len(a.destinations) >= 1
	}
	return false
}

func (a RoutingAction) String() string {
	switch a.kind {
	case KindContinue:
		return "continue"
	case KindRoute:
		return "route to " + a.destinations[0]
	case KindForkToPaths:
		return fmt.Sprintf("fork to %v", a.destinations)
	}
	return "invalid routing action"
}
